package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/gravitygate/internal/domain/entity"
	"github.com/ngoclaw/gravitygate/internal/domain/repository"
	"github.com/ngoclaw/gravitygate/internal/domain/service"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/compress"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/translator"
	"github.com/ngoclaw/gravitygate/internal/infrastructure/upstream"
	domainErrors "github.com/ngoclaw/gravitygate/pkg/errors"
)

// TokenRefresher refreshes an account's access token. Refresh mutates the
// passed account in place and returns the fresh token.
type TokenRefresher interface {
	Refresh(ctx context.Context, account *entity.Account) (string, error)
}

// Executor runs one client request end to end: model resolution, account
// selection, token refresh, Claude-dialect context compression, translation,
// dispatch with single-401 retry and rate-limit failover, and usage
// recording. It is the only place failures are mapped to client status codes.
type Executor struct {
	router     *service.ModelRouter
	balancer   *service.LoadBalancer
	retry      *service.RetryHandler
	refresher  TokenRefresher
	compressor *compress.Compressor
	client     *upstream.Client
	usage      repository.UsageStore
	logger     *zap.Logger
}

// NewExecutor wires the request pipeline.
func NewExecutor(
	router *service.ModelRouter,
	balancer *service.LoadBalancer,
	retry *service.RetryHandler,
	refresher TokenRefresher,
	compressor *compress.Compressor,
	client *upstream.Client,
	usage repository.UsageStore,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		router:     router,
		balancer:   balancer,
		retry:      retry,
		refresher:  refresher,
		compressor: compressor,
		client:     client,
		usage:      usage,
		logger:     logger,
	}
}

// Result summarizes one executed request for handlers and logging.
type Result struct {
	ClientModel    string
	ResolvedModel  string
	AccountEmail   string
	RetryCount     int
	TokenRefreshed bool
	Failovers      int
	InputTokens    int
	OutputTokens   int
}

// ExecuteUnary handles a non-streaming request and returns the rendered
// client body.
func (e *Executor) ExecuteUnary(ctx context.Context, tr translator.Translator, body map[string]any) ([]byte, *Result, error) {
	res := &Result{ClientModel: modelOf(body)}
	res.ResolvedModel = e.router.Resolve(res.ClientModel)

	req := e.prepare(tr, res.ResolvedModel, body)

	var resp *upstream.Response
	err := e.dispatch(ctx, res, nil, func(ctx context.Context, token string) error {
		r, err := e.client.Generate(ctx, token, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, res, err
	}

	out, err := tr.ConvertUnary(res.ResolvedModel, resp)
	if err != nil {
		return nil, res, domainErrors.NewInternalErrorWithCause("failed to render client response", err)
	}

	e.recordUsage(ctx, res, resp.UsageMetadata)
	e.logCompleted(tr, res, false)
	return out, res, nil
}

// ExecuteStream handles a streaming request, emitting client frames through
// emit as upstream chunks arrive. Each frame must be flushed by the caller
// before emit returns.
func (e *Executor) ExecuteStream(ctx context.Context, tr translator.Translator, body map[string]any, emit func(translator.Frame) error) (*Result, error) {
	res := &Result{ClientModel: modelOf(body)}
	res.ResolvedModel = e.router.Resolve(res.ClientModel)

	req := e.prepare(tr, res.ResolvedModel, body)
	state := tr.NewStreamState(res.ResolvedModel)

	err := e.dispatch(ctx, res, state, func(ctx context.Context, token string) error {
		return e.client.GenerateStream(ctx, token, req, func(chunk *upstream.Response) error {
			for _, frame := range tr.ConvertChunk(state, chunk) {
				if err := emit(frame); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		// Usage seen before a mid-stream failure still counts.
		if state.Started() {
			e.recordUsage(ctx, res, state.Usage())
		}
		return res, err
	}

	for _, frame := range tr.FinishStream(state) {
		if err := emit(frame); err != nil {
			return res, err
		}
	}

	e.recordUsage(ctx, res, state.Usage())
	e.logCompleted(tr, res, true)
	return res, nil
}

// CountTokens estimates prompt tokens for a Claude-dialect request body.
func (e *Executor) CountTokens(body map[string]any) int {
	return compress.EstimateRequestTokens(body)
}

// prepare applies Claude-dialect compression and builds the upstream
// envelope. OpenAI trees are translated as-is; the compressor only
// understands Claude content blocks.
func (e *Executor) prepare(tr translator.Translator, resolvedModel string, body map[string]any) *upstream.GenerateRequest {
	if tr.Dialect() == translator.DialectClaude {
		e.compressor.Compress(body, e.router.ContextWindow(resolvedModel))
	}
	return tr.ConvertRequest(resolvedModel, body)
}

// dispatch picks accounts and runs op until one succeeds. Rate-limited and
// quota-exhausted accounts are marked and the next account is tried, at most
// once per pooled account; every other failure is terminal for the request.
// op receives the bearer token to use for the attempt.
func (e *Executor) dispatch(ctx context.Context, res *Result, state *translator.StreamState, op func(ctx context.Context, token string) error) error {
	poolSize := e.balancer.PoolSize()
	if poolSize == 0 {
		return domainErrors.NewUnavailableError("no accounts configured")
	}

	for attempt := 0; attempt < poolSize; attempt++ {
		account, ok := e.balancer.GetNextAccount()
		if !ok {
			break
		}
		// The pooled entry is shared across requests; refreshes mutate a
		// private copy and persist through the store.
		account = account.Clone()
		res.AccountEmail = account.Email
		res.Failovers = attempt

		if account.Token.IsExpired(time.Now()) {
			if _, err := e.refresher.Refresh(ctx, account); err != nil {
				return err
			}
			res.TokenRefreshed = true
		}

		retryResult, err := e.retry.Execute(ctx,
			func(ctx context.Context) error { return op(ctx, account.Token.AccessToken) },
			func(ctx context.Context) error {
				_, refreshErr := e.refresher.Refresh(ctx, account)
				return refreshErr
			},
		)
		if retryResult != nil {
			res.RetryCount += retryResult.RetryCount
			if retryResult.TokenRefreshSucceeded {
				res.TokenRefreshed = true
			}
		}
		if err == nil {
			return nil
		}

		switch {
		case domainErrors.IsQuotaExceeded(err):
			e.balancer.MarkQuotaExceeded(account.ID)
		case domainErrors.IsRateLimited(err):
			e.balancer.MarkRateLimited(account.ID, domainErrors.RetryAfterOf(err))
		default:
			return err
		}

		// Frames already written to the client cannot be replayed on another
		// account without corrupting the stream.
		if state != nil && state.Started() {
			return err
		}

		e.logger.Warn("Account sidelined, failing over",
			zap.String("email", account.Email),
			zap.String("model", res.ResolvedModel),
			zap.Error(err),
		)
	}

	return e.exhaustedError()
}

// exhaustedError reports pool exhaustion as a rate limit carrying the soonest
// recovery delay among sidelined accounts.
func (e *Executor) exhaustedError() error {
	var retryAfter time.Duration
	if soonest := e.balancer.SoonestRecovery(); !soonest.IsZero() {
		if d := time.Until(soonest); d > 0 {
			retryAfter = d
		}
	}
	return domainErrors.NewRateLimitedError("all accounts are rate limited", retryAfter)
}

// recordUsage forwards token counts to the usage store. The context is
// detached so a client disconnect cannot drop usage that was already
// consumed upstream.
func (e *Executor) recordUsage(ctx context.Context, res *Result, u *upstream.UsageMetadata) {
	if u == nil || res.AccountEmail == "" {
		return
	}
	in, out := translator.UsageTokens(u)
	res.InputTokens = in
	res.OutputTokens = out
	e.usage.Record(context.WithoutCancel(ctx), res.AccountEmail, res.ResolvedModel, int64(in), int64(out))
}

func (e *Executor) logCompleted(tr translator.Translator, res *Result, stream bool) {
	e.logger.Info("Request completed",
		zap.String("dialect", tr.Dialect()),
		zap.Bool("stream", stream),
		zap.String("model", res.ClientModel),
		zap.String("resolved_model", res.ResolvedModel),
		zap.String("account", res.AccountEmail),
		zap.Int("input_tokens", res.InputTokens),
		zap.Int("output_tokens", res.OutputTokens),
		zap.Int("retries", res.RetryCount),
		zap.Int("failovers", res.Failovers),
	)
}

// modelOf extracts the client-requested model name from a parsed body.
func modelOf(body map[string]any) string {
	if body == nil {
		return ""
	}
	model, _ := body["model"].(string)
	return model
}
