package store

import "time"

// Document is the durable metadata row. Content holds the last rendered HTML;
// the replicated state lives in DocumentState.
type Document struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	OwnerID   string    `gorm:"size:128;index;not null" json:"ownerId"`
	Title     string    `gorm:"size:255;not null" json:"title"`
	Content   string    `gorm:"type:longtext" json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Collaborator struct {
	DocumentID string    `gorm:"primaryKey;size:36" json:"documentId"`
	UserID     string    `gorm:"primaryKey;size:128;index" json:"userId"`
	CreatedAt  time.Time `json:"createdAt"`
}

type DocumentState struct {
	DocumentID string `gorm:"primaryKey;size:36"`
	State      []byte `gorm:"type:longblob"`
	UpdatedAt  time.Time
}
