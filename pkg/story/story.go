// Package story contains the core domain types for the story map sync pipeline.
package story

import "sort"

// Field names in the source stories table.
const (
	FieldCharacterID   = "角色ID"
	FieldCharacterName = "角色名"
	FieldContent       = "故事内容"
	FieldAuthor        = "投稿人"
	FieldDate          = "日期"
	FieldLocationID    = "地点ID"
	FieldStatus        = "状态"

	FieldAvatar          = "头像"
	FieldMainImage       = "大图"
	FieldAvatarRef       = "头像OSS_URL"
	FieldMainImageRef    = "大图OSS_URL"
	FieldAvatarRawURL    = "头像URL"
	FieldMainImageRawURL = "大图URL"
)

// Field names in the location directory table.
const (
	FieldLocationName = "地点名称"
	FieldLocationX    = "坐标X(%)"
	FieldLocationY    = "坐标Y(%)"
)

// Usage tags recorded with each uploaded blob.
const (
	UsageAvatar    = "头像"
	UsageMainImage = "大图"
)

// Default coordinates for a location that has stories but no directory entry.
const (
	DefaultX = 50
	DefaultY = 50
)

// RawRecord is one row from the remote table, before validation.
type RawRecord struct {
	Fields   map[string]any `json:"fields"`
	RecordID string         `json:"record_id"`
}

// Attachment is one element of an attachment cell.
type Attachment struct {
	FileToken string
	Name      string
}

// BlobReference points to an uploaded binary asset.
type BlobReference struct {
	PublicURL   string `json:"public_url"`
	StoragePath string `json:"storage_path"`
	ContentHash string `json:"content_hash"`
}

// Story is a validated story record ready for publishing.
type Story struct {
	ID            string `json:"id"`
	CharacterID   string `json:"characterId"`
	CharacterName string `json:"characterName"`
	AvatarURL     string `json:"avatarUrl"`
	MainImageURL  string `json:"mainImageUrl"`
	Content       string `json:"content"`
	Author        string `json:"author"`
	Date          string `json:"date"`
	LocationID    string `json:"locationId"`
}

// LocationEntry is a plotted location from the directory table.
// X and Y are percentages of the map size.
type LocationEntry struct {
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// Directory maps location IDs to their entries.
type Directory map[string]LocationEntry

// IDs returns the directory's location IDs in lexicographic order.
func (d Directory) IDs() []string {
	ids := make([]string, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LocationPoint is a location with the stories published at it.
type LocationPoint struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	X       float64  `json:"x"`
	Y       float64  `json:"y"`
	Stories []*Story `json:"stories"`
}

// Aggregate is the root of the published dataset.
type Aggregate struct {
	Locations []*LocationPoint `json:"locations"`
}

// StoryCount returns the total number of stories across all locations.
func (a *Aggregate) StoryCount() int {
	n := 0
	for _, loc := range a.Locations {
		n += len(loc.Stories)
	}
	return n
}

// StatusFilter restricts a table query to rows whose Field equals Value.
type StatusFilter struct {
	Field string
	Value string
}
