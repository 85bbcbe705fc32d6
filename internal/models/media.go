package models

import "time"

// Storage backends a media row can point at.
const (
	StorageBackendLocal = "local"
	StorageBackendS3    = "s3"
)

// Media is the stored shape of the media kind. StoragePath locates the blob
// inside the configured BlobStore; the row never embeds file bytes.
type Media struct {
	ID             int64     `json:"id"`
	Filename       string    `json:"filename"`
	StoragePath    string    `json:"storage_path"`
	FileSize       int64     `json:"file_size"`
	MimeType       string    `json:"mime_type"`
	FileType       string    `json:"file_type"`
	Description    *string   `json:"description"`
	AltText        *string   `json:"alt_text"`
	UserID         *int64    `json:"user_id"`
	StorageBackend string    `json:"storage_backend"`
	IsPublic       bool      `json:"is_public"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MediaCreate is the accepted input for POST /media/. Uploads go through
// /media/upload instead, which fills StoragePath from the blob store.
type MediaCreate struct {
	Filename       string  `json:"filename" binding:"required"`
	StoragePath    string  `json:"storage_path" binding:"required"`
	FileSize       int64   `json:"file_size"`
	MimeType       string  `json:"mime_type"`
	FileType       string  `json:"file_type"`
	Description    *string `json:"description"`
	AltText        *string `json:"alt_text"`
	UserID         *int64  `json:"user_id"`
	StorageBackend string  `json:"storage_backend"`
	IsPublic       *bool   `json:"is_public"`
}

// MediaUpdate is the partial input for PATCH /media/{id}.
type MediaUpdate struct {
	Filename    *string `json:"filename"`
	Description *string `json:"description"`
	AltText     *string `json:"alt_text"`
	FileSize    *int64  `json:"file_size"`
	IsPublic    *bool   `json:"is_public"`
	IsActive    *bool   `json:"is_active"`
}

// MediaOut is the publicly visible shape broadcast and returned by the API.
type MediaOut struct {
	ID             int64     `json:"id"`
	Filename       string    `json:"filename"`
	StoragePath    string    `json:"storage_path"`
	FileSize       int64     `json:"file_size"`
	MimeType       string    `json:"mime_type"`
	FileType       string    `json:"file_type"`
	Description    *string   `json:"description"`
	AltText        *string   `json:"alt_text"`
	UserID         *int64    `json:"user_id"`
	StorageBackend string    `json:"storage_backend"`
	IsPublic       bool      `json:"is_public"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ToMediaOut projects a stored media row to its output shape.
func ToMediaOut(m Media) MediaOut {
	return MediaOut(m)
}
