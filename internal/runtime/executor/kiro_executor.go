// Package executor hosts the runtime adapters that speak each provider's
// wire protocol. KiroExecutor is the Kiro/CodeWhisperer adapter: it resolves
// a credential (directly, via metadata, or by rotating a configured pool),
// shapes the outbound request, and reshapes the upstream reply back into the
// Anthropic Messages / OpenAI-compatible surfaces the host expects.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kirohub/kiroproxy/internal/config"
	kirotranslator "github.com/kirohub/kiroproxy/internal/translator/kiro"
	cliproxyauth "github.com/kirohub/kiroproxy/sdk/cliproxy/auth"
	sdkexecutor "github.com/kirohub/kiroproxy/sdk/cliproxy/executor"
)

// KiroExecutor implements the Kiro provider executor contract. One instance
// is shared across every configured Kiro credential; per-call state (which
// token, which region) is resolved fresh from the Auth record each call.
type KiroExecutor struct {
	cfg          *config.Config
	client       *kiroClient
	tokenRotator *kiroTokenRotator
}

// NewKiroExecutor builds a KiroExecutor wired to cfg's credential pool.
func NewKiroExecutor(cfg *config.Config) *KiroExecutor {
	return &KiroExecutor{
		cfg:          cfg,
		client:       newKiroClient(cfg),
		tokenRotator: newKiroTokenRotator(cfg),
	}
}

// Identifier reports the provider name the host dispatches this executor under.
func (e *KiroExecutor) Identifier() string { return "kiro" }

// Refresh forces the credential behind auth to re-authenticate, used by the
// host's proactive refresh loop ahead of CronNearMinutes expiry.
func (e *KiroExecutor) Refresh(ctx context.Context, auth *cliproxyauth.Auth) error {
	token, err := e.tokenStorageFromAuth(ctx, auth)
	if err != nil {
		return err
	}
	token.ForceExpire()
	_, err = e.tokenStorageFromAuth(ctx, auth)
	return err
}

// Execute performs one non-streaming call and returns a fully assembled
// Anthropic Messages payload.
func (e *KiroExecutor) Execute(ctx context.Context, auth *cliproxyauth.Auth, req sdkexecutor.Request, opts sdkexecutor.Options) (sdkexecutor.Response, error) {
	result, err := e.performCompletion(ctx, auth, req, opts)
	if err != nil {
		return sdkexecutor.Response{}, err
	}

	payload, err := kirotranslator.BuildAnthropicMessagePayload(req.Model, result.Text, result.ToolCalls, result.PromptTokens, result.CompletionTokens)
	if err != nil {
		return sdkexecutor.Response{}, fmt.Errorf("kiro executor: build response: %w", err)
	}

	reportUsage(ctx, e.cfg, auth, usageDetail(result.PromptTokens, result.CompletionTokens))
	return sdkexecutor.Response{Payload: payload}, nil
}

// ExecuteStream performs one call and re-synthesizes the reply as a sequence
// of Anthropic-style SSE chunks; Kiro itself does not stream incrementally,
// so every chunk here is derived from the single completed upstream reply.
func (e *KiroExecutor) ExecuteStream(ctx context.Context, auth *cliproxyauth.Auth, req sdkexecutor.Request, opts sdkexecutor.Options) (<-chan sdkexecutor.StreamChunk, error) {
	result, err := e.performCompletion(ctx, auth, req, opts)
	if err != nil {
		return nil, err
	}

	chunks := kirotranslator.BuildAnthropicStreamingChunks("msg_"+uuid.NewString(), req.Model, 0, result.Text, result.ToolCalls, result.PromptTokens, result.CompletionTokens)
	reportUsage(ctx, e.cfg, auth, usageDetail(result.PromptTokens, result.CompletionTokens))

	out := make(chan sdkexecutor.StreamChunk, len(chunks))
	for _, chunk := range chunks {
		out <- sdkexecutor.StreamChunk{Payload: chunk}
	}
	close(out)
	return out, nil
}

// CountTokens estimates prompt/completion token counts without performing a
// call, using the same rune/4 heuristic the completion path falls back to.
func (e *KiroExecutor) CountTokens(_ context.Context, _ *cliproxyauth.Auth, req sdkexecutor.Request) (int64, error) {
	t, err := countTextTokens(req.Model, string(req.Payload))
	if err != nil {
		length := utf8.RuneCountInString(string(req.Payload))
		return int64(math.Ceil(float64(length) / 4)), nil
	}
	return t, nil
}

// performCompletion resolves a credential, shapes the request, sends it with
// the transport's retry policy, and parses the upstream reply. When a rotator
// pool is configured, an exhausted retry budget against one credential
// advances to the next candidate (the rotator cursor already moved past the
// used one at selection time); per-candidate errors are joined.
func (e *KiroExecutor) performCompletion(ctx context.Context, auth *cliproxyauth.Auth, req sdkexecutor.Request, opts sdkexecutor.Options) (kiroResult, error) {
	attempts := 1
	if e.tokenRotator != nil && e.tokenRotator.count() > 1 && e.attributeTokenPath(auth) == "" {
		attempts = e.tokenRotator.count()
	}

	var errs []error
	for attempt := 0; attempt < attempts; attempt++ {
		token, err := e.tokenStorageFromAuth(ctx, auth)
		if err != nil {
			// tokenStorageFromAuth already walked every loadable candidate.
			errs = append(errs, err)
			break
		}

		body, err := kirotranslator.BuildRequest(req.Model, req.Payload, token, opts.Metadata)
		if err != nil {
			errs = append(errs, fmt.Errorf("kiro executor: build request: %w", err))
			break
		}

		region := e.regionOverride(auth)
		data, _, _, err := e.client.doRequestWithRetry(ctx, auth, token, region, req.Model, body)
		if err != nil {
			errs = append(errs, err)
			if !isCandidateExhaustion(err) {
				break
			}
			continue
		}

		content, toolCalls := kirotranslator.ParseResponse(data)
		promptTokens, err := countTextTokens(req.Model, string(req.Payload))
		if err != nil {
			promptTokens = int64(math.Ceil(float64(utf8.RuneCountInString(string(req.Payload))) / 4))
		}
		completionTokens := estimateCompletionTokens(req.Model, content, toolCalls)

		return kiroResult{
			Text:             content,
			ToolCalls:        toolCalls,
			KiroModel:        kirotranslator.MapModel(req.Model),
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
		}, nil
	}

	if len(errs) == 1 {
		return kiroResult{}, errs[0]
	}
	return kiroResult{}, errors.Join(errs...)
}

// isCandidateExhaustion reports whether a transport failure should advance to
// the next rotator candidate: an exhausted 429/5xx retry budget, a 403 that
// survived its own refresh-and-retry, a refresh failure, or a network error.
// Other 4xx are request-shaped problems no other credential would fix.
func isCandidateExhaustion(err error) bool {
	var se kiroStatusError
	if errors.As(err, &se) {
		code := se.StatusCode()
		return code == http.StatusTooManyRequests || code == http.StatusForbidden || code >= 500
	}
	return true
}

// regionOverride surfaces a region pinned on the Auth record (e.g. by
// rotator candidate selection) ahead of the token's own ARN-derived region.
func (e *KiroExecutor) regionOverride(auth *cliproxyauth.Auth) string {
	if auth == nil || auth.Attributes == nil {
		return ""
	}
	return auth.Attributes["region"]
}

// countTextTokens estimates the token count of text using a rune/4
// heuristic. No tokenizer library in the retrieval pack ships a
// CodeWhisperer-compatible vocabulary, so an exact count isn't available;
// every caller already treats this as an estimate and has its own fallback.
func countTextTokens(_ string, text string) (int64, error) {
	if text == "" {
		return 0, nil
	}
	length := utf8.RuneCountInString(text)
	return int64(math.Ceil(float64(length) / 4)), nil
}
