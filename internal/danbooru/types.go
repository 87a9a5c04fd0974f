// Package danbooru is the HTTP fetch layer and domain types for the
// upstream image-board API: the rate-limited/retrying client (C2), the
// page selector cursor, and the tag/post/media_asset/post_version wire
// types. The fetch-and-insert-tags resolver (C5) lives in internal/resolve.
package danbooru

import (
	"fmt"
	"time"
)

// page size limits, per spec.md section 3 / section 4.
const (
	PostLimit = 200
	PageLimit = 1000
)

// TagCategory mirrors the upstream's integer tag category codes.
type TagCategory int

const (
	TagCategoryGeneral   TagCategory = 0
	TagCategoryArtist    TagCategory = 1
	TagCategoryCopyright TagCategory = 3
	TagCategoryCharacter TagCategory = 4
	TagCategoryMeta      TagCategory = 5
)

// Rating is a post's content rating, serialized as a lowercase letter.
type Rating string

const (
	RatingGeneral      Rating = "g"
	RatingSensitive    Rating = "s"
	RatingQuestionable Rating = "q"
	RatingExplicit     Rating = "e"
)

// PoolCategory serializes by name; defined for completeness of the
// domain stack even though the ingestion core never reads pools.
type PoolCategory string

const (
	PoolCategorySeries     PoolCategory = "series"
	PoolCategoryCollection PoolCategory = "collection"
)

// UserLevel is the upstream's fixed integer user-level enumeration, used
// to interpret the profile response at fetcher construction time.
type UserLevel int

const (
	UserLevelAnonymous   UserLevel = 0
	UserLevelRestricted  UserLevel = 10
	UserLevelMember      UserLevel = 20
	UserLevelGold        UserLevel = 30
	UserLevelPlatinum    UserLevel = 31
	UserLevelBuilder     UserLevel = 32
	UserLevelContributor UserLevel = 35
	UserLevelApprover    UserLevel = 37
	UserLevelModerator   UserLevel = 40
	UserLevelAdmin       UserLevel = 50
	UserLevelOwner       UserLevel = 60
)

func (l UserLevel) String() string {
	switch l {
	case UserLevelAnonymous:
		return "anonymous"
	case UserLevelRestricted:
		return "restricted"
	case UserLevelMember:
		return "member"
	case UserLevelGold:
		return "gold"
	case UserLevelPlatinum:
		return "platinum"
	case UserLevelBuilder:
		return "builder"
	case UserLevelContributor:
		return "contributor"
	case UserLevelApprover:
		return "approver"
	case UserLevelModerator:
		return "moderator"
	case UserLevelAdmin:
		return "admin"
	case UserLevelOwner:
		return "owner"
	default:
		return fmt.Sprintf("user_level(%d)", int(l))
	}
}

// AssetStatus is a media_asset's processing status, serialized by name.
type AssetStatus string

const (
	AssetStatusProcessing AssetStatus = "processing"
	AssetStatusActive     AssetStatus = "active"
	AssetStatusDeleted    AssetStatus = "deleted"
	AssetStatusExpunged   AssetStatus = "expunged"
	AssetStatusFailed     AssetStatus = "failed"
)

// FileType is a media_asset's file extension, serialized by name.
type FileType string

const (
	FileTypeJPG  FileType = "jpg"
	FileTypePNG  FileType = "png"
	FileTypeGIF  FileType = "gif"
	FileTypeWebP FileType = "webp"
	FileTypeAVIF FileType = "avif"
	FileTypeMP4  FileType = "mp4"
	FileTypeWebM FileType = "webm"
	FileTypeSWF  FileType = "swf"
	FileTypeZip  FileType = "zip"
)

// timestampFormat is the exact fixed-length ISO-8601-with-milliseconds
// format spec.md section 4.3 requires: "2024-01-01T00:00:00.000+00:00",
// 29 characters, always carrying an explicit UTC offset.
const (
	timestampFormat = "2006-01-02T15:04:05.000-07:00"
	TimestampLength = 29
)

// Timestamp wraps time.Time with the upstream's millisecond-precision,
// explicit-offset JSON encoding.
type Timestamp struct {
	time.Time
}

// NewTimestamp rounds t to millisecond precision, matching what the
// wire format can round-trip.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.Round(time.Millisecond)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	s := t.Time.UTC().Format(timestampFormat)
	return []byte(`"` + s + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := time.Parse(timestampFormat, s)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// IsZero reports whether this is the zero-value timestamp synthetic tags
// are stamped with.
func (t Timestamp) IsZero() bool {
	return t.Time.IsZero()
}

// Tag is the tags table row shape, per spec.md section 3.
type Tag struct {
	ID           int32       `json:"id"`
	Name         string      `json:"name"`
	PostCount    int32       `json:"post_count"`
	Category     TagCategory `json:"category"`
	IsDeprecated bool        `json:"is_deprecated"`
	CreatedAt    Timestamp   `json:"created_at"`
	UpdatedAt    Timestamp   `json:"updated_at"`
}

// IsSynthetic reports whether this is a locally-fabricated placeholder
// tag (id < 0), per spec.md section 3 invariant 5.
func (t Tag) IsSynthetic() bool {
	return t.ID < 0
}

// MediaAssetVariant is one row of media_asset_variants.
type MediaAssetVariant struct {
	Type     string   `json:"type"`
	Width    int32    `json:"width"`
	Height   int32    `json:"height"`
	FileExt  FileType `json:"file_ext"`
}

// MediaAsset is the media_assets table row shape.
type MediaAsset struct {
	ID          int32               `json:"id"`
	MD5         string              `json:"md5"`
	FileExt     FileType            `json:"file_ext"`
	FileSize    int64               `json:"file_size"`
	ImageWidth  int32               `json:"image_width"`
	ImageHeight int32               `json:"image_height"`
	Duration    *float32            `json:"duration"`
	PixelHash   string              `json:"pixel_hash"`
	Status      AssetStatus         `json:"status"`
	FileKey     string              `json:"file_key"`
	IsPublic    bool                `json:"is_public"`
	Variants    []MediaAssetVariant `json:"variants"`
	CreatedAt   Timestamp           `json:"created_at"`
	UpdatedAt   Timestamp           `json:"updated_at"`
}

// Post is the posts table row shape.
type Post struct {
	ID           int32      `json:"id"`
	UploaderID   int32      `json:"uploader_id"`
	ApproverID   *int32     `json:"approver_id"`
	Tags         []int32    `json:"tags"`
	Rating       Rating     `json:"rating"`
	Parent       *int32     `json:"parent"`
	Source       *string    `json:"source"`
	MediaAsset   int32      `json:"media_asset"`
	FavCount     int32      `json:"fav_count"`
	HasChildren  bool       `json:"has_children"`
	UpScore      int32      `json:"up_score"`
	DownScore    int32      `json:"down_score"`
	IsPending    bool       `json:"is_pending"`
	IsFlagged    bool       `json:"is_flagged"`
	IsDeleted    bool       `json:"is_deleted"`
	IsBanned     bool       `json:"is_banned"`
	PixivID      *int32     `json:"pixiv_id"`
	BitFlags     int32      `json:"bit_flags"`
	LastComment  *Timestamp `json:"last_comment"`
	LastBump     *Timestamp `json:"last_bump"`
	LastNote     *Timestamp `json:"last_note"`
	CreatedAt    Timestamp  `json:"created_at"`
	UpdatedAt    Timestamp  `json:"updated_at"`
}

// PostVersion is the post_versions table row shape.
type PostVersion struct {
	ID         int32     `json:"id"`
	PostID     int32     `json:"post_id"`
	UpdaterID  int32     `json:"updater_id"`
	UpdatedAt  Timestamp `json:"updated_at"`
	Version    int32     `json:"version"`
	AddedTags  []int32   `json:"added_tags"`
	RemovedTags []int32  `json:"removed_tags"`
	NewRating  *Rating   `json:"new_rating"`
	NewParent  *int32    `json:"new_parent"`
	NewSource  *string   `json:"new_source"`
}

// APIPost is the shape returned by GET /posts.json with the restricted
// "only" field list the post-sync task requests — a flattened view with
// tag_string instead of resolved tag ids, and a nested media_asset.
type APIPost struct {
	ID                 int32       `json:"id"`
	UploaderID         int32       `json:"uploader_id"`
	ApproverID         *int32      `json:"approver_id"`
	TagString          string      `json:"tag_string"`
	Rating             Rating      `json:"rating"`
	ParentID           *int32      `json:"parent_id"`
	Source             *string     `json:"source"`
	MediaAsset         MediaAsset  `json:"media_asset"`
	FavCount           int32       `json:"fav_count"`
	HasChildren        bool        `json:"has_children"`
	UpScore            int32       `json:"up_score"`
	DownScore          int32       `json:"down_score"`
	IsPending          bool        `json:"is_pending"`
	IsFlagged          bool        `json:"is_flagged"`
	IsDeleted          bool        `json:"is_deleted"`
	IsBanned           bool        `json:"is_banned"`
	PixivID            *int32      `json:"pixiv_id"`
	BitFlags           int32       `json:"bit_flags"`
	LastCommentedAt    *Timestamp  `json:"last_commented_at"`
	LastCommentBumpedAt *Timestamp `json:"last_comment_bumped_at"`
	LastNotedAt        *Timestamp  `json:"last_noted_at"`
	CreatedAt          Timestamp   `json:"created_at"`
	UpdatedAt          Timestamp   `json:"updated_at"`
}

// PostAttributesToFetch is the fixed "only" field list passed to the
// posts endpoint, restricting the response to exactly what the core
// uses and avoiding transfer of tag_string_general, file_url, etc.
const PostAttributesToFetch = "id,uploader_id,approver_id,tag_string,rating,parent_id,source," +
	"media_asset[id,md5,file_ext,file_size,image_width,image_height,duration,pixel_hash,status," +
	"file_key,is_public,variants[type,width,height,file_ext],created_at,updated_at],fav_count," +
	"has_children,up_score,down_score,is_pending,is_flagged,is_deleted,is_banned,pixiv_id,bit_flags," +
	"last_commented_at,last_comment_bumped_at,last_noted_at,created_at,updated_at"

// APIPostVersion is the shape returned by GET /post_versions.json.
type APIPostVersion struct {
	ID          int32     `json:"id"`
	PostID      int32     `json:"post_id"`
	UpdaterID   *int32    `json:"updater_id"`
	UpdatedAt   Timestamp `json:"updated_at"`
	Version     int32     `json:"version"`
	AddedTags   []string  `json:"added_tags"`
	RemovedTags []string  `json:"removed_tags"`
	Rating      *Rating   `json:"rating"`
	RatingChanged bool    `json:"rating_changed"`
	ParentID    *int32    `json:"parent_id"`
	ParentChanged bool    `json:"parent_changed"`
	Source      string    `json:"source"`
	SourceChanged bool    `json:"source_changed"`
}

// Profile is the response shape of GET /profile.json?only=id,name,level.
type Profile struct {
	ID    int32     `json:"id"`
	Name  string    `json:"name"`
	Level UserLevel `json:"level"`
}
