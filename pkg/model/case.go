package model

import "strings"

// DescriptionPreviewLength is the default truncation length used by
// DescriptionPreview when the caller doesn't need a custom width.
const DescriptionPreviewLength = 80

// MaxDescriptionBytes and MaxLandmarkHintBytes bound the free-text fields
// accepted from a CreateCaseRequested intent before it reaches the outbox.
const (
	MaxDescriptionBytes  = 2000
	MaxLandmarkHintBytes = 200
)

// LocalCase is the on-device projection of a case the user created, still
// pending (or permanently failed) synchronization with the server.
type LocalCase struct {
	LocalID        LocalOpId       `json:"local_id" validate:"required"`
	Location       LatLon          `json:"location"`
	Description    *string         `json:"description,omitempty" validate:"omitempty,max=2000"`
	LandmarkHint   *string         `json:"landmark_hint,omitempty" validate:"omitempty,max=200"`
	WoundSeverity  *WoundSeverity  `json:"wound_severity,omitempty"`
	Status         LocalCaseStatus `json:"status"`
	CreatedAtMsUTC UnixTimeMs      `json:"created_at_ms_utc"`
	UpdatedAtMsUTC UnixTimeMs      `json:"updated_at_ms_utc"`
	PhotoData      []byte          `json:"photo_data,omitempty"`
	PhotoUploadURL *string         `json:"photo_upload_url,omitempty"`
	ServerID       *CaseId         `json:"server_id,omitempty"`
	SyncError      *string         `json:"sync_error,omitempty"`
	RetryCount     uint32          `json:"retry_count"`
}

// NewLocalCase constructs a freshly-created local case in PendingUpload.
func NewLocalCase(id LocalOpId, location LatLon, description *string, severity *WoundSeverity) *LocalCase {
	now := Now()
	return &LocalCase{
		LocalID:        id,
		Location:       location,
		Description:    description,
		WoundSeverity:  severity,
		Status:         LocalCaseStatusPendingUpload,
		CreatedAtMsUTC: now,
		UpdatedAtMsUTC: now,
	}
}

// MarkUploading transitions to Uploading.
func (c *LocalCase) MarkUploading() {
	c.Status = LocalCaseStatusUploading
	c.UpdatedAtMsUTC = Now()
}

// MarkUploadingPhoto transitions to UploadingPhoto.
func (c *LocalCase) MarkUploadingPhoto() {
	c.Status = LocalCaseStatusUploadingPhoto
	c.UpdatedAtMsUTC = Now()
}

// MarkSynced transitions to Synced, records the server id, and clears the
// photo bytes per the invariant Synced => server_id set, photo_bytes nil.
func (c *LocalCase) MarkSynced(serverID CaseId) {
	c.Status = LocalCaseStatusSynced
	c.ServerID = &serverID
	c.PhotoData = nil
	c.SyncError = nil
	c.UpdatedAtMsUTC = Now()
}

// MarkFailed transitions to Failed (retryable) and records the error
// message and incremented retry count.
func (c *LocalCase) MarkFailed(reason string) {
	c.Status = LocalCaseStatusFailed
	c.SyncError = &reason
	c.RetryCount++
	c.UpdatedAtMsUTC = Now()
}

// MarkPermanentlyFailed transitions to PermanentlyFailed.
func (c *LocalCase) MarkPermanentlyFailed(reason string) {
	c.Status = LocalCaseStatusPermanentlyFailed
	c.SyncError = &reason
	c.UpdatedAtMsUTC = Now()
}

// DescriptionPreview returns the description truncated to maxLen runes,
// UTF-8 safe, with a trailing ellipsis when truncated.
func (c *LocalCase) DescriptionPreview(maxLen int) string {
	if c.Description == nil {
		return ""
	}
	return truncatePreview(*c.Description, maxLen)
}

// ServerCase is the authoritative server-side case record as last observed
// by this client.
type ServerCase struct {
	ID                CaseId        `json:"id"`
	Location          LatLon        `json:"location"`
	Description       *string       `json:"description,omitempty"`
	LandmarkHint      *string       `json:"landmark_hint,omitempty"`
	WoundSeverity     *WoundSeverity `json:"wound_severity,omitempty"`
	Status            CaseStatus    `json:"status"`
	CreatedAtMsUTC    UnixTimeMs    `json:"created_at_ms_utc"`
	UpdatedAtMsUTC    UnixTimeMs    `json:"updated_at_ms_utc"`
	ReporterID        UserId        `json:"reporter_id"`
	AssignedRescuerID *UserId       `json:"assigned_rescuer_id,omitempty"`
	PhotoURL          *string       `json:"photo_url,omitempty"`
	ThumbnailURL      *string       `json:"thumbnail_url,omitempty"`
	DistanceMeters    *float64      `json:"distance_meters,omitempty"`
}

// IsOwnedBy reports whether userID reported this case.
func (c *ServerCase) IsOwnedBy(userID UserId) bool {
	return c.ReporterID == userID
}

// DescriptionPreview returns the description truncated to maxLen runes.
func (c *ServerCase) DescriptionPreview(maxLen int) string {
	if c.Description == nil {
		return ""
	}
	return truncatePreview(*c.Description, maxLen)
}

func truncatePreview(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	cut := maxLen - 3
	if cut < 0 {
		cut = 0
	}
	if cut > len(runes) {
		cut = len(runes)
	}
	return string(runes[:cut]) + "..."
}

// NormalizeOptionalText trims s and returns nil if the result is empty,
// otherwise a pointer to the trimmed string. Used when constructing
// optional free-text fields from request payloads.
func NormalizeOptionalText(s string) *string {
	t := strings.TrimSpace(s)
	if t == "" {
		return nil
	}
	return &t
}
