// Package transform maps raw table rows into stories.
package transform

import (
	"context"
	"log/slog"
	"strings"

	"storymap-sync/attachment"
	"storymap-sync/pkg/story"
)

// Resolver resolves one attachment slot to a reference.
type Resolver interface {
	Resolve(ctx context.Context, token string, req attachment.Request) (attachment.Result, error)
}

// RefWriter writes newly resolved references back to the source row.
type RefWriter interface {
	UpdateRecordRefs(ctx context.Context, token, recordID, avatarRef, mainImageRef string) error
}

// Transformer validates records and resolves their attachments.
type Transformer struct {
	resolver Resolver
	writer   RefWriter
	logger   *slog.Logger
}

// New creates a new transformer.
func New(resolver Resolver, writer RefWriter, logger *slog.Logger) *Transformer {
	return &Transformer{
		resolver: resolver,
		writer:   writer,
		logger:   logger,
	}
}

type slot struct {
	usage     string
	cellKey   string
	refKey    string
	rawURLKey string
}

var (
	avatarSlot    = slot{usage: story.UsageAvatar, cellKey: story.FieldAvatar, refKey: story.FieldAvatarRef, rawURLKey: story.FieldAvatarRawURL}
	mainImageSlot = slot{usage: story.UsageMainImage, cellKey: story.FieldMainImage, refKey: story.FieldMainImageRef, rawURLKey: story.FieldMainImageRawURL}
)

// Transform returns the story for rec, or nil if the row is incomplete.
// Attachment failures never fail the record; the slot keeps whatever reference it already had.
func (t *Transformer) Transform(ctx context.Context, token string, rec story.RawRecord) (*story.Story, error) {
	f := rec.Fields
	characterID := strings.TrimSpace(story.Text(f[story.FieldCharacterID]))
	content := story.Text(f[story.FieldContent])
	if characterID == "" || strings.TrimSpace(content) == "" {
		t.logger.Debug("Skipping incomplete record", "record_id", rec.RecordID)
		return nil, nil
	}

	characterName := story.Text(f[story.FieldCharacterName])
	t.logger.Info("Processing record", "record_id", rec.RecordID, "character", characterName)

	avatar, avatarFresh := t.resolve(ctx, token, rec, avatarSlot)
	mainImage, mainFresh := t.resolve(ctx, token, rec, mainImageSlot)

	if avatarFresh || mainFresh {
		if err := t.writer.UpdateRecordRefs(ctx, token, rec.RecordID, avatar, mainImage); err != nil {
			t.logger.Warn("Failed to write back attachment references",
				"record_id", rec.RecordID,
				"error", err)
		} else {
			t.logger.Info("Wrote back attachment references", "record_id", rec.RecordID)
		}
	}

	return &story.Story{
		ID:            rec.RecordID,
		CharacterID:   characterID,
		CharacterName: characterName,
		AvatarURL:     avatar,
		MainImageURL:  mainImage,
		Content:       content,
		Author:        story.Text(f[story.FieldAuthor]),
		Date:          story.Text(f[story.FieldDate]),
		LocationID:    story.LocationKey(f[story.FieldLocationID]),
	}, nil
}

func (t *Transformer) resolve(ctx context.Context, token string, rec story.RawRecord, s slot) (string, bool) {
	cached := story.Text(rec.Fields[s.refKey])
	res, err := t.resolver.Resolve(ctx, token, attachment.Request{
		RecordID:    rec.RecordID,
		Usage:       s.usage,
		CachedRef:   cached,
		FallbackURL: story.Text(rec.Fields[s.rawURLKey]),
		Attachments: story.Attachments(rec.Fields[s.cellKey]),
	})
	if err != nil {
		t.logger.Warn("Failed to resolve attachment",
			"record_id", rec.RecordID,
			"usage", s.usage,
			"error", err)
		return cached, false
	}
	return res.Ref, res.Fresh
}

// GroupByLocation folds stories into per-location sequences, preserving input order.
func GroupByLocation(stories []*story.Story) map[string][]*story.Story {
	groups := make(map[string][]*story.Story)
	for _, s := range stories {
		if s == nil {
			continue
		}
		groups[s.LocationID] = append(groups[s.LocationID], s)
	}
	return groups
}
