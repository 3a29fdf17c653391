package settings

import (
	"encoding/json"
	"strings"
)

// Section keys as stored in the settings table.
const (
	SectionGlobal      = "global"
	SectionGrok        = "grok"
	SectionToken       = "token"
	SectionCache       = "cache"
	SectionPerformance = "performance"
	SectionRegister    = "register"
)

const cfClearancePrefix = "cf_clearance="

// Image generation methods accepted after normalization.
const (
	ImageMethodLegacy    = "legacy"
	ImageMethodImagineWS = "imagine_ws_experimental"
)

// Global holds gateway-wide presentation settings.
type Global struct {
	BaseURL            string `json:"base_url"`
	VideoPosterPreview bool   `json:"video_poster_preview"`
}

// Grok holds upstream conversation settings.
type Grok struct {
	CFClearance           string   `json:"cf_clearance"`
	ImageGenerationMethod string   `json:"image_generation_method"`
	FilterTags            []string `json:"filter_tags"`
	ShowThinking          bool     `json:"show_thinking"`
}

// Token holds credential pool settings.
type Token struct {
	SuperModels        []string `json:"super_models"`
	RefreshConcurrency int      `json:"refresh_concurrency"`
}

// Cache holds asset cache settings.
type Cache struct {
	AssetTTLSeconds int  `json:"asset_ttl_seconds"`
	Enabled         bool `json:"enabled"`
}

// Performance holds the layered stream timeout budgets, in seconds.
// A zero value disables the corresponding timeout.
type Performance struct {
	FirstResponseTimeout int `json:"first_response_timeout"`
	ChunkTimeout         int `json:"chunk_timeout"`
	TotalTimeout         int `json:"total_timeout"`
	IdleTimeout          int `json:"idle_timeout"`
	VideoIdleTimeout     int `json:"video_idle_timeout"`
}

// Register holds self-service registration settings.
type Register struct {
	Enabled    bool   `json:"enabled"`
	InviteCode string `json:"invite_code"`
}

// Bundle is the full six-section settings snapshot.
type Bundle struct {
	Global      Global
	Grok        Grok
	Token       Token
	Cache       Cache
	Performance Performance
	Register    Register
}

// Defaults returns the settings used when nothing has been stored yet.
func Defaults() Bundle {
	return Bundle{
		Global: Global{},
		Grok: Grok{
			ImageGenerationMethod: ImageMethodLegacy,
			FilterTags:            []string{"xaiartifact", "xai:tool_usage_card"},
			ShowThinking:          true,
		},
		Token: Token{
			SuperModels:        []string{"grok-4-heavy"},
			RefreshConcurrency: 5,
		},
		Cache: Cache{
			AssetTTLSeconds: 86400,
			Enabled:         true,
		},
		Performance: Performance{
			FirstResponseTimeout: 30,
			ChunkTimeout:         120,
			TotalTimeout:         0,
			IdleTimeout:          300,
			VideoIdleTimeout:     600,
		},
		Register: Register{},
	}
}

var imageMethodAliases = map[string]string{
	"legacy":                  ImageMethodLegacy,
	"default":                 ImageMethodLegacy,
	"old":                     ImageMethodLegacy,
	"imagine":                 ImageMethodImagineWS,
	"imagine_ws":              ImageMethodImagineWS,
	"ws":                      ImageMethodImagineWS,
	"experimental":            ImageMethodImagineWS,
	"imagine_ws_experimental": ImageMethodImagineWS,
}

// NormalizeImageMethod maps user-supplied method names onto the closed set
// of supported methods. Unknown values fall back to legacy.
func NormalizeImageMethod(method string) string {
	if canonical, ok := imageMethodAliases[strings.ToLower(strings.TrimSpace(method))]; ok {
		return canonical
	}
	return ImageMethodLegacy
}

// FromStored merges stored section blobs over the defaults. A missing or
// unparseable section leaves that section at its defaults. The returned
// bundle is normalized for consumption: cf_clearance carries its cookie
// prefix and the image method is canonical.
func FromStored(sections map[string]json.RawMessage) Bundle {
	b := Defaults()

	merge(sections, SectionGlobal, &b.Global)
	merge(sections, SectionGrok, &b.Grok)
	merge(sections, SectionToken, &b.Token)
	merge(sections, SectionCache, &b.Cache)
	merge(sections, SectionPerformance, &b.Performance)
	merge(sections, SectionRegister, &b.Register)

	b.normalize()
	return b
}

// merge unmarshals the stored blob over dst, which already holds defaults.
// Keys absent from the blob keep their default values.
func merge(sections map[string]json.RawMessage, key string, dst any) {
	raw, ok := sections[key]
	if !ok || len(raw) == 0 {
		return
	}
	// A decode error must not poison the section: snapshot the defaults
	// first and restore them if decoding fails.
	scratch, err := json.Marshal(dst)
	if err != nil {
		return
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		_ = json.Unmarshal(scratch, dst)
	}
}

func (b *Bundle) normalize() {
	b.Grok.ImageGenerationMethod = NormalizeImageMethod(b.Grok.ImageGenerationMethod)
	if v := strings.TrimSpace(b.Grok.CFClearance); v != "" && !strings.HasPrefix(v, cfClearancePrefix) {
		b.Grok.CFClearance = cfClearancePrefix + v
	}
}

// Stored converts the bundle into the six section blobs written to the
// settings table. cf_clearance is stored stripped of its cookie prefix and
// the image method is canonicalized.
func (b Bundle) Stored() (map[string]json.RawMessage, error) {
	out := b
	out.Grok.ImageGenerationMethod = NormalizeImageMethod(out.Grok.ImageGenerationMethod)
	out.Grok.CFClearance = strings.TrimPrefix(strings.TrimSpace(out.Grok.CFClearance), cfClearancePrefix)

	sections := make(map[string]json.RawMessage, 6)
	for key, section := range map[string]any{
		SectionGlobal:      out.Global,
		SectionGrok:        out.Grok,
		SectionToken:       out.Token,
		SectionCache:       out.Cache,
		SectionPerformance: out.Performance,
		SectionRegister:    out.Register,
	} {
		raw, err := json.Marshal(section)
		if err != nil {
			return nil, err
		}
		sections[key] = raw
	}
	return sections, nil
}
