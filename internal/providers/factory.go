package providers

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnknownProvider reports an unrecognized provider name.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrNoAPIKey reports that no API key is available for a provider.
	ErrNoAPIKey = errors.New("no api key configured")
)

// KeyResolver resolves the API key for a provider, typically from the
// encrypted key store.
type KeyResolver interface {
	ResolveKey(ctx context.Context, provider string) (string, error)
}

// Factory builds providers on demand. Keys resolve through the store
// first, then fall back to environment-supplied values.
type Factory struct {
	keys     KeyResolver
	fallback map[string]string
	static   map[string]Provider
}

// NewFactory creates a provider factory. fallback maps provider name to
// an env-supplied API key and may be nil.
func NewFactory(keys KeyResolver, fallback map[string]string) *Factory {
	if fallback == nil {
		fallback = map[string]string{}
	}
	return &Factory{keys: keys, fallback: fallback, static: map[string]Provider{}}
}

// RegisterStatic installs a ready-made provider under name, bypassing
// key resolution. Register before serving; lookups do not lock.
func (f *Factory) RegisterStatic(name string, p Provider) {
	f.static[name] = p
}

// Provider returns a configured provider for the given name. model sets
// the default model and may be empty.
func (f *Factory) Provider(ctx context.Context, name, model string) (Provider, error) {
	if p, ok := f.static[name]; ok {
		return p, nil
	}

	key, err := f.resolveKey(ctx, name)
	if err != nil {
		return nil, err
	}

	switch name {
	case "anthropic":
		return NewAnthropicProvider(key, WithAnthropicModel(model)), nil
	case "openai":
		return NewOpenAIProvider("openai", key, "", model), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
}

func (f *Factory) resolveKey(ctx context.Context, name string) (string, error) {
	if f.keys != nil {
		key, err := f.keys.ResolveKey(ctx, name)
		if err == nil && key != "" {
			return key, nil
		}
	}
	if key := f.fallback[name]; key != "" {
		return key, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoAPIKey, name)
}
