package lora

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fallora/internal/models"
)

// Catalog categories understood by /api/civitai-loras.
const (
	CategoryCurated = "flux"
	CategoryStyle   = "style"
)

// DefaultCatalogTTL bounds how long a fetched catalog is reused.
const DefaultCatalogTTL = 10 * time.Minute

// styleModels are the base models that accept style LoRAs.
var styleModels = map[string]bool{
	models.BaseModelFluxLora:        true,
	models.BaseModelFluxKontextLora: true,
	models.BaseModelQwenImage:       true,
}

// SupportsStyle reports whether baseModel offers the style catalog.
func SupportsStyle(baseModel string) bool { return styleModels[baseModel] }

// Fetcher loads catalog listings. An empty baseModel requests the unfiltered
// listing, which carries base_model_mapping.
type Fetcher interface {
	CivitaiLoras(ctx context.Context, baseModel, category string) (*models.CatalogResponse, error)
}

// View is the result of a refresh. A nil slice means the section is hidden.
type View struct {
	BaseModel string   `json:"base_model"`
	Curated   []string `json:"curated"`
	Style     []string `json:"style"`
}

// Catalog resolves which catalog sections apply to a base model.
type Catalog struct {
	fetcher Fetcher
	cache   *cache.Cache
	logger  zerolog.Logger

	mu            sync.RWMutex
	mapping       map[string]string
	mappingLoaded bool
}

// NewCatalog creates a catalog backed by fetcher. A non-positive ttl uses
// DefaultCatalogTTL.
func NewCatalog(fetcher Fetcher, ttl time.Duration, logger zerolog.Logger) *Catalog {
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	return &Catalog{
		fetcher: fetcher,
		cache:   cache.New(ttl, 2*ttl),
		logger:  logger,
		mapping: map[string]string{},
	}
}

// LoadMapping fetches base_model_mapping once. Later calls are no-ops after
// a successful load.
func (c *Catalog) LoadMapping(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.mappingLoaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}

	resp, err := c.fetcher.CivitaiLoras(ctx, "", "")
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.mapping = map[string]string{}
	if resp.Available {
		for k, v := range resp.BaseModelMapping {
			c.mapping[k] = v
		}
	}
	c.mappingLoaded = true
	return nil
}

// HasCurated reports whether baseModel appears in base_model_mapping.
func (c *Catalog) HasCurated(baseModel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mapping[baseModel] != ""
}

// Refresh computes the catalog sections for baseModel. The curated and style
// listings are fetched concurrently; any failure hides that section.
func (c *Catalog) Refresh(ctx context.Context, baseModel string) View {
	if err := c.LoadMapping(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to load base model mapping")
	}

	view := View{BaseModel: baseModel}
	var g errgroup.Group

	if c.HasCurated(baseModel) {
		g.Go(func() error {
			view.Curated = c.section(ctx, baseModel, CategoryCurated)
			return nil
		})
	}
	if SupportsStyle(baseModel) {
		g.Go(func() error {
			view.Style = c.section(ctx, baseModel, CategoryStyle)
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Debug().
		Str("base_model", baseModel).
		Int("curated", len(view.Curated)).
		Int("style", len(view.Style)).
		Msg("catalog refreshed")
	return view
}

func (c *Catalog) section(ctx context.Context, baseModel, category string) []string {
	key := baseModel + "|" + category
	if v, ok := c.cache.Get(key); ok {
		return v.([]string)
	}

	resp, err := c.fetcher.CivitaiLoras(ctx, baseModel, category)
	if err != nil {
		c.logger.Warn().Err(err).Str("base_model", baseModel).Str("category", category).Msg("failed to load LoRA catalog")
		return nil
	}
	if !resp.Available || len(resp.Loras) == 0 {
		c.logger.Debug().Str("base_model", baseModel).Str("category", category).Msg("no catalog LoRAs available")
		return nil
	}

	names := resp.Loras.Names()
	c.cache.SetDefault(key, names)
	return names
}

// Apply projects view onto the builder's pickers.
func Apply(b *Builder, v View) {
	b.SetOptions(PickerCurated, v.Curated)
	b.SetOptions(PickerStyle, v.Style)
}
