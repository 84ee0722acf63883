package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/Monthlyaway/short-link-relay/internal/model"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LinkStore is the durable short_code -> link mapping consumed by the
// resolver, the code generator and the admin service.
type LinkStore interface {
	GetByCode(ctx context.Context, shortCode string) (*model.Link, error)
	Exists(ctx context.Context, shortCode string) (bool, error)
	IncrementClicks(ctx context.Context, shortCode string) error
	Create(ctx context.Context, link *model.Link) error
	Update(ctx context.Context, shortCode, originalURL, note string, mode *model.Mode) (*model.Link, error)
	Delete(ctx context.Context, shortCode string) error
	List(ctx context.Context) ([]model.Link, error)
	AllCodes(ctx context.Context) ([]string, error)
}

// LinkRepository handles database operations for links
type LinkRepository struct {
	db  *gorm.DB
	ids *snowflake.Node
}

var _ LinkStore = (*LinkRepository)(nil)

// NewLinkRepository migrates the links table and returns a repository.
// ids assigns primary keys to new links.
func NewLinkRepository(db *gorm.DB, ids *snowflake.Node) (*LinkRepository, error) {
	if err := db.AutoMigrate(&model.Link{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &LinkRepository{db: db, ids: ids}, nil
}

// GetByCode retrieves a link by exact short code match
func (r *LinkRepository) GetByCode(ctx context.Context, shortCode string) (*model.Link, error) {
	var link model.Link
	if err := r.db.WithContext(ctx).Where("short_code = ?", shortCode).First(&link).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrLinkNotFound
		}
		return nil, fmt.Errorf("failed to get link: %w", err)
	}
	return &link, nil
}

// Exists reports whether a link currently holds shortCode
func (r *LinkRepository) Exists(ctx context.Context, shortCode string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Link{}).
		Where("short_code = ?", shortCode).
		Limit(1).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check short code: %w", err)
	}
	return count > 0, nil
}

// IncrementClicks adds one click in a single UPDATE so concurrent
// resolutions never lose an increment.
func (r *LinkRepository) IncrementClicks(ctx context.Context, shortCode string) error {
	res := r.db.WithContext(ctx).Model(&model.Link{}).
		Where("short_code = ?", shortCode).
		UpdateColumn("clicks", gorm.Expr("clicks + ?", 1))
	if res.Error != nil {
		return fmt.Errorf("failed to increment clicks: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrLinkNotFound
	}
	return nil
}

// Create inserts a new link. The unique index on short_code decides races:
// a losing insert affects no rows and reports ErrCodeConflict.
func (r *LinkRepository) Create(ctx context.Context, link *model.Link) error {
	if link.ID == 0 {
		link.ID = r.ids.Generate().Int64()
	}
	link.Clicks = 0

	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(link)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return model.ErrCodeConflict
		}
		return fmt.Errorf("failed to create link: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrCodeConflict
	}
	return nil
}

// Update changes the destination and note, and the mode when one is given.
// short_code, created_at and clicks are never touched.
func (r *LinkRepository) Update(ctx context.Context, shortCode, originalURL, note string, mode *model.Mode) (*model.Link, error) {
	var link model.Link
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("short_code = ?", shortCode).First(&link).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrLinkNotFound
			}
			return err
		}

		changes := map[string]interface{}{
			"original_url": originalURL,
			"note":         note,
		}
		if mode != nil {
			changes["mode"] = *mode
		}
		if err := tx.Model(&model.Link{}).Where("short_code = ?", shortCode).Updates(changes).Error; err != nil {
			return err
		}

		// Re-read so the returned clicks reflect increments made meanwhile.
		return tx.Where("short_code = ?", shortCode).First(&link).Error
	})
	if err != nil {
		if errors.Is(err, model.ErrLinkNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update link: %w", err)
	}
	return &link, nil
}

// Delete removes a link permanently; its code is immediately reusable
func (r *LinkRepository) Delete(ctx context.Context, shortCode string) error {
	res := r.db.WithContext(ctx).Where("short_code = ?", shortCode).Delete(&model.Link{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete link: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return model.ErrLinkNotFound
	}
	return nil
}

// List returns every link, newest first
func (r *LinkRepository) List(ctx context.Context) ([]model.Link, error) {
	var links []model.Link
	if err := r.db.WithContext(ctx).Order("created_at desc").Order("id desc").Find(&links).Error; err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	return links, nil
}

// Ping checks the database connection
func (r *LinkRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// AllCodes retrieves all short codes from the database
func (r *LinkRepository) AllCodes(ctx context.Context) ([]string, error) {
	var codes []string
	if err := r.db.WithContext(ctx).Model(&model.Link{}).Pluck("short_code", &codes).Error; err != nil {
		return nil, fmt.Errorf("failed to get all short codes: %w", err)
	}
	return codes, nil
}
