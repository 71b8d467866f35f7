package attachment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"storymap-sync/blobstore"
	"storymap-sync/feishu"
	"storymap-sync/pkg/story"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDownloader struct {
	err   error
	files map[string][]byte
	mu    sync.Mutex
	calls int
}

func (f *fakeDownloader) DownloadMedia(_ context.Context, _, fileToken string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.files[fileToken]
	if !ok {
		return nil, errors.New("no such file")
	}
	return data, nil
}

type fakeStore struct {
	err       error
	available bool
	puts      int
}

func (f *fakeStore) Available() bool { return f.available }

func (f *fakeStore) Put(_ context.Context, data []byte, fileName string) (story.BlobReference, error) {
	f.puts++
	if f.err != nil {
		return story.BlobReference{}, f.err
	}
	return story.BlobReference{
		PublicURL:   "https://cdn/" + fileName,
		StoragePath: "stories/" + fileName,
		ContentHash: string(data),
	}, nil
}

type fakeProvenance struct {
	err     error
	uploads []feishu.Upload
}

func (f *fakeProvenance) RecordUpload(_ context.Context, _ string, u feishu.Upload) error {
	f.uploads = append(f.uploads, u)
	return f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func avatarRequest() Request {
	return Request{
		RecordID:    "rec1",
		Usage:       story.UsageAvatar,
		Attachments: []story.Attachment{{FileToken: "file-1", Name: "face.png"}},
	}
}

func TestResolveCachedRefDoesNoIO(t *testing.T) {
	dl := &fakeDownloader{}
	store := &fakeStore{available: true}
	r := NewResolver(dl, store, &fakeProvenance{}, discardLogger())

	req := avatarRequest()
	req.CachedRef = "https://cdn/existing.png"
	res, err := r.Resolve(context.Background(), "tok", req)

	require.NoError(t, err)
	assert.Equal(t, Result{Ref: "https://cdn/existing.png"}, res)
	assert.Zero(t, dl.calls)
	assert.Zero(t, store.puts)
}

func TestResolveStoreUnavailableUsesFallbackURL(t *testing.T) {
	dl := &fakeDownloader{}
	r := NewResolver(dl, &fakeStore{}, &fakeProvenance{}, discardLogger())

	req := avatarRequest()
	req.FallbackURL = "https://example.com/raw.png"
	res, err := r.Resolve(context.Background(), "tok", req)

	require.NoError(t, err)
	assert.Equal(t, Result{Ref: "https://example.com/raw.png"}, res)
	assert.Zero(t, dl.calls)
}

func TestResolveUnavailableBlobstoreStore(t *testing.T) {
	// The real store with no backend behaves like an unavailable store.
	store, err := blobstore.New(nil, "stories", 0, discardLogger())
	require.NoError(t, err)
	r := NewResolver(&fakeDownloader{}, store, &fakeProvenance{}, discardLogger())

	req := avatarRequest()
	req.FallbackURL = "https://example.com/raw.png"
	res, err := r.Resolve(context.Background(), "tok", req)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/raw.png", res.Ref)
}

func TestResolveNoAttachment(t *testing.T) {
	r := NewResolver(&fakeDownloader{}, &fakeStore{available: true}, &fakeProvenance{}, discardLogger())

	res, err := r.Resolve(context.Background(), "tok", Request{RecordID: "rec1", Usage: story.UsageAvatar})
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	res, err = r.Resolve(context.Background(), "tok", Request{
		RecordID:    "rec1",
		Attachments: []story.Attachment{{Name: "tokenless.png"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestResolveUploadsAndRecordsProvenance(t *testing.T) {
	dl := &fakeDownloader{files: map[string][]byte{"file-1": []byte("bytes")}}
	prov := &fakeProvenance{}
	r := NewResolver(dl, &fakeStore{available: true}, prov, discardLogger())

	res, err := r.Resolve(context.Background(), "tok", avatarRequest())
	require.NoError(t, err)
	assert.Equal(t, Result{Ref: "https://cdn/face.png", Fresh: true}, res)

	require.Len(t, prov.uploads, 1)
	u := prov.uploads[0]
	assert.Equal(t, "face.png", u.FileName)
	assert.Equal(t, "stories/face.png", u.StoragePath)
	assert.Equal(t, "https://cdn/face.png", u.PublicURL)
	assert.Equal(t, "bytes", u.ContentHash)
	assert.Equal(t, 5, u.Size)
	assert.Equal(t, story.UsageAvatar, u.Usage)
	assert.Equal(t, "rec1", u.RecordID)
}

func TestResolveProvenanceFailureIsSoft(t *testing.T) {
	for _, provErr := range []error{errors.New("rate limited"), feishu.ErrProvenanceDisabled} {
		dl := &fakeDownloader{files: map[string][]byte{"file-1": []byte("bytes")}}
		r := NewResolver(dl, &fakeStore{available: true}, &fakeProvenance{err: provErr}, discardLogger())

		res, err := r.Resolve(context.Background(), "tok", avatarRequest())
		require.NoError(t, err)
		assert.True(t, res.Fresh)
		assert.Equal(t, "https://cdn/face.png", res.Ref)
	}
}

func TestResolveDownloadAndUploadErrors(t *testing.T) {
	uploadErr := &blobstore.UploadError{Op: "upload", Path: "stories/x", Err: errors.New("reset")}
	tests := []struct {
		name  string
		dl    *fakeDownloader
		store *fakeStore
	}{
		{
			name:  "download fails",
			dl:    &fakeDownloader{err: errors.New("HTTP 404")},
			store: &fakeStore{available: true},
		},
		{
			name:  "upload fails",
			dl:    &fakeDownloader{files: map[string][]byte{"file-1": []byte("bytes")}},
			store: &fakeStore{available: true, err: uploadErr},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prov := &fakeProvenance{}
			r := NewResolver(tt.dl, tt.store, prov, discardLogger())

			res, err := r.Resolve(context.Background(), "tok", avatarRequest())
			require.Error(t, err)
			assert.Equal(t, Result{}, res)
			assert.Empty(t, prov.uploads)
		})
	}
}
