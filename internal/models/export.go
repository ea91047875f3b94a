// internal/models/export.go
package models

import (
	"time"
)

// ExportResult 导出结果
type ExportResult struct {
	Title       string    `json:"title"`
	Genre       string    `json:"genre"`
	Format      string    `json:"format"` // json / markdown / text / fountain
	Content     string    `json:"content"`
	SceneCount  int       `json:"scene_count"`
	SaveCount   uint64    `json:"save_count"`
	GeneratedAt time.Time `json:"generated_at"`
	ByteSize    int       `json:"byte_size"`
}
