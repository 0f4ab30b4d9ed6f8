package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Draft 被全量同步丢弃、或卸载时仍未确认的本地文本
type Draft struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SectionID   string    `gorm:"size:128;not null;uniqueIndex:uk_draft,priority:1;index:idx_section_user,priority:1" json:"section_id"`
	UserID      uint64    `gorm:"not null;uniqueIndex:uk_draft,priority:2;index:idx_section_user,priority:2" json:"user_id"`
	BaseVersion uint64    `gorm:"not null;uniqueIndex:uk_draft,priority:3" json:"base_version"`
	Digest      string    `gorm:"size:64;not null;uniqueIndex:uk_draft,priority:4" json:"-"`
	Content     string    `gorm:"type:longtext;not null" json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Draft) TableName() string { return "collab_drafts" }

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

type DraftStore struct{ db *gorm.DB }

func NewDraftStore(db *gorm.DB) *DraftStore {
	return &DraftStore{db: db}
}

func (s *DraftStore) Migrate() error {
	return s.db.AutoMigrate(&Draft{})
}

// SaveDraft 同一份文本重复保存是幂等的（唯一键冲突当作成功）
func (s *DraftStore) SaveDraft(ctx context.Context, sectionID string, userID uint64, baseVersion uint64, content string) error {
	d := Draft{
		SectionID:   sectionID,
		UserID:      userID,
		BaseVersion: baseVersion,
		Digest:      digest(content),
		Content:     content,
	}
	if err := s.db.WithContext(ctx).Create(&d).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// ListDrafts 新的在前
func (s *DraftStore) ListDrafts(ctx context.Context, sectionID string, userID uint64, limit int) ([]Draft, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Draft
	err := s.db.WithContext(ctx).
		Where("section_id = ? AND user_id = ?", sectionID, userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func digest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// MemoryDraftStore 没配置 mysql 时使用，进程退出即丢失
type MemoryDraftStore struct {
	mu     sync.Mutex
	nextID uint64
	drafts []Draft
	now    func() time.Time
}

func NewMemoryDraftStore() *MemoryDraftStore {
	return &MemoryDraftStore{now: time.Now}
}

func (s *MemoryDraftStore) SaveDraft(_ context.Context, sectionID string, userID uint64, baseVersion uint64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dg := digest(content)
	for _, d := range s.drafts {
		if d.SectionID == sectionID && d.UserID == userID && d.BaseVersion == baseVersion && d.Digest == dg {
			return nil
		}
	}
	s.nextID++
	s.drafts = append(s.drafts, Draft{
		ID:          s.nextID,
		SectionID:   sectionID,
		UserID:      userID,
		BaseVersion: baseVersion,
		Digest:      dg,
		Content:     content,
		CreatedAt:   s.now(),
	})
	return nil
}

func (s *MemoryDraftStore) ListDrafts(_ context.Context, sectionID string, userID uint64, limit int) ([]Draft, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Draft
	for _, d := range s.drafts {
		if d.SectionID == sectionID && d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
