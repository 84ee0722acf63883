package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Monthlyaway/short-link-relay/internal/cache"
	"github.com/Monthlyaway/short-link-relay/internal/codegen"
	"github.com/Monthlyaway/short-link-relay/internal/logger"
	"github.com/Monthlyaway/short-link-relay/internal/metrics"
	"github.com/Monthlyaway/short-link-relay/internal/model"
	"github.com/Monthlyaway/short-link-relay/internal/repository"
)

// CreateLinkInput is an admin request to create a link.
// An empty CustomCode asks for a generated code.
type CreateLinkInput struct {
	OriginalURL string
	CustomCode  string
	Note        string
	Mode        model.Mode
}

// UpdateLinkInput is an admin edit. A nil Mode leaves the mode unchanged.
type UpdateLinkInput struct {
	OriginalURL string
	Note        string
	Mode        *model.Mode
}

// LinkService handles admin operations on links
type LinkService struct {
	store     repository.LinkStore
	generator *codegen.Generator
	cache     LinkCache
	filter    CodeFilter
	metrics   *metrics.Metrics
	log       logger.Logger
}

// NewLinkService creates a new link service instance
func NewLinkService(store repository.LinkStore, generator *codegen.Generator, log logger.Logger, opts ...Option) *LinkService {
	d := applyOptions(opts)
	return &LinkService{
		store:     store,
		generator: generator,
		cache:     d.cache,
		filter:    d.filter,
		metrics:   d.metrics,
		log:       log,
	}
}

// Create stores a new link under a custom or generated short code
func (s *LinkService) Create(ctx context.Context, in CreateLinkInput) (*model.Link, error) {
	originalURL, err := validateURL(in.OriginalURL)
	if err != nil {
		return nil, err
	}
	if err := validateNote(in.Note); err != nil {
		return nil, err
	}

	link := &model.Link{
		OriginalURL: originalURL,
		Note:        in.Note,
		Mode:        in.Mode,
	}

	if in.CustomCode != "" {
		err = s.createCustom(ctx, link, in.CustomCode)
	} else {
		err = s.createGenerated(ctx, link)
	}
	if err != nil {
		return nil, err
	}

	s.remember(ctx, link)
	s.metrics.LinkCreated()
	s.log.Info("link created",
		logger.String("short_code", link.ShortCode),
		logger.String("mode", link.Mode.String()))
	return link, nil
}

func (s *LinkService) createCustom(ctx context.Context, link *model.Link, code string) error {
	if err := codegen.ValidateCustom(code); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}

	taken, err := s.store.Exists(ctx, code)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: %q", model.ErrCodeConflict, code)
	}

	link.ShortCode = code
	if err := s.store.Create(ctx, link); err != nil {
		if errors.Is(err, model.ErrCodeConflict) {
			return fmt.Errorf("%w: %q", model.ErrCodeConflict, code)
		}
		return err
	}
	return nil
}

// createGenerated retries when a generated code loses an insert race.
// Candidates drawn across retries share one MaxAttempts budget.
func (s *LinkService) createGenerated(ctx context.Context, link *model.Link) error {
	budget := s.generator.MaxAttempts()
	for budget > 0 {
		code, used, err := s.generator.GenerateWithin(ctx, budget)
		budget -= used
		if err != nil {
			if errors.Is(err, codegen.ErrCapacityExhausted) {
				s.metrics.CodeSpaceExhausted()
				s.log.Error("short code generation exhausted", logger.Error(err))
			}
			return err
		}

		link.ShortCode = code
		err = s.store.Create(ctx, link)
		if err == nil {
			return nil
		}
		if !errors.Is(err, model.ErrCodeConflict) {
			return err
		}
		s.log.Debug("generated short code lost insert race", logger.String("short_code", code))
		link.ID = 0
	}

	s.metrics.CodeSpaceExhausted()
	return fmt.Errorf("%w: every generated code was taken at insert time", codegen.ErrCapacityExhausted)
}

// Get returns a link by short code
func (s *LinkService) Get(ctx context.Context, shortCode string) (*model.Link, error) {
	return s.store.GetByCode(ctx, shortCode)
}

// List returns all links, newest first
func (s *LinkService) List(ctx context.Context) ([]model.Link, error) {
	return s.store.List(ctx)
}

// Update edits a link's destination and note, and its mode when given.
// Nothing is written when validation fails.
func (s *LinkService) Update(ctx context.Context, shortCode string, in UpdateLinkInput) (*model.Link, error) {
	originalURL, err := validateURL(in.OriginalURL)
	if err != nil {
		return nil, err
	}
	if err := validateNote(in.Note); err != nil {
		return nil, err
	}

	link, err := s.store.Update(ctx, shortCode, originalURL, in.Note, in.Mode)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, shortCode, cache.RouteOf(link)); err != nil {
			s.log.Warn("link cache refresh failed, evicting", logger.String("short_code", shortCode), logger.Error(err))
			s.evict(ctx, shortCode)
		}
	}
	s.log.Info("link updated", logger.String("short_code", shortCode))
	return link, nil
}

// Delete removes a link permanently
func (s *LinkService) Delete(ctx context.Context, shortCode string) error {
	if err := s.store.Delete(ctx, shortCode); err != nil {
		return err
	}
	s.evict(ctx, shortCode)
	s.log.Info("link deleted", logger.String("short_code", shortCode))
	return nil
}

// InitFilter loads every existing short code into the bloom filter.
// The filter only sees codes this process created or loaded here, so
// it must stay disabled when several instances share one store.
func (s *LinkService) InitFilter(ctx context.Context) error {
	if s.filter == nil {
		return nil
	}
	codes, err := s.store.AllCodes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load short codes: %w", err)
	}
	s.filter.AddBatch(codes)
	s.log.Info("initialized bloom filter", logger.Int("short_codes", len(codes)))
	return nil
}

func (s *LinkService) remember(ctx context.Context, link *model.Link) {
	if s.filter != nil {
		s.filter.Add(link.ShortCode)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, link.ShortCode, cache.RouteOf(link)); err != nil {
			s.log.Warn("link cache warm failed", logger.String("short_code", link.ShortCode), logger.Error(err))
		}
	}
}

func (s *LinkService) evict(ctx context.Context, shortCode string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, shortCode); err != nil {
		s.log.Error("link cache evict failed", logger.String("short_code", shortCode), logger.Error(err))
	}
}

// validateURL trims and checks a destination. A missing scheme is allowed;
// the stored value is kept as given and normalized at resolution time.
func validateURL(raw string) (string, error) {
	u := strings.TrimSpace(raw)
	if u == "" {
		return "", fmt.Errorf("%w: original_url is required", model.ErrInvalidInput)
	}
	if len(u) > model.MaxURLLength {
		return "", fmt.Errorf("%w: original_url exceeds %d characters", model.ErrInvalidInput, model.MaxURLLength)
	}

	parsed, err := url.Parse(model.NormalizeURL(u))
	if err != nil {
		return "", fmt.Errorf("%w: invalid original_url: %v", model.ErrInvalidInput, err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("%w: original_url must have a host", model.ErrInvalidInput)
	}
	return u, nil
}

func validateNote(note string) error {
	if len(note) > model.MaxNoteLength {
		return fmt.Errorf("%w: note exceeds %d characters", model.ErrInvalidInput, model.MaxNoteLength)
	}
	return nil
}
