// internal/llmclient/factory.go
package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprowl/api/schemas"
	"github.com/xkilldash9x/droidprowl/internal/config"
)

// NewClient is a factory that creates an LLMClient for the configured
// provider.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case "gemini", "":
		return NewGeminiClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: %q (supported: gemini)", cfg.Provider)
	}
}
