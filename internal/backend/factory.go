package backend

import (
	"fmt"
	"strings"
)

// New selects the backend set for provider: "qiniu", "mock", or "auto"
// (qiniu when an API key is configured, mock otherwise).
func New(provider string, cfg QiniuConfig, opts Options) (Set, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "qiniu":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return Set{}, fmt.Errorf("qiniu backend requires an api key")
		}
		return NewQiniuSet(cfg, opts), nil
	case "mock":
		return NewMockSet(cfg.KeywordsMaxLength), nil
	case "", "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewQiniuSet(cfg, opts), nil
		}
		return NewMockSet(cfg.KeywordsMaxLength), nil
	default:
		return Set{}, fmt.Errorf("unknown backend provider %q", provider)
	}
}
