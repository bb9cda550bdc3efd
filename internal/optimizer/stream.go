package optimizer

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vnmchuo/llm-optimizer/internal/provider"
)

// Stream starts a streaming completion. Model selection, the cost ceiling,
// Before hooks, retry and fallback apply to establishing the stream. Usage
// is reported once the returned channel has been drained; a stream
// abandoned by cancelling ctx is not reported. After hooks and the cache do
// not apply.
func (c *Client) Stream(ctx context.Context, req *provider.Request, opts ...CallOption) (<-chan *provider.Chunk, error) {
	o := newCallOptions(opts)
	ctx, span := c.tracer.Start(ctx, "optimizer.stream")

	requested := req.Model
	call, err := c.prepare(req, o, span)
	if err != nil {
		span.End()
		return nil, err
	}

	start := time.Now()
	hooked, err := c.pipeline.RunBefore(ctx, call)
	if err != nil {
		err = c.fail(ctx, span, o, requested, call, err, start)
		span.End()
		return nil, err
	}
	call = hooked

	src, model, err := walk(ctx, c, call, o, c.registry.ExecuteStream)
	if err != nil {
		err = c.fail(ctx, span, o, requested, withModel(call, model), err, start)
		span.End()
		return nil, err
	}
	span.SetAttributes(attribute.String("model.used", model))

	out := make(chan *provider.Chunk)
	go func() {
		defer span.End()
		defer close(out)

		var (
			sb   strings.Builder
			done bool
		)
		for chunk := range src {
			select {
			case out <- chunk:
			case <-ctx.Done():
				span.SetStatus(codes.Error, "stream abandoned")
				return
			}

			if chunk.Err != nil {
				c.fail(ctx, span, o, requested, withModel(call, model), chunk.Err, start)
				return
			}
			sb.WriteString(chunk.Delta)
			if chunk.Done {
				done = true
				break
			}
		}
		// Without a Done chunk, a closed source only counts as consumed
		// when the caller is still waiting.
		if !done && ctx.Err() != nil {
			span.SetStatus(codes.Error, "stream abandoned")
			return
		}

		output := sb.String()
		c.reporter.Track(c.successRun(o, requested, model, c.registry.ProviderName(model), call.Messages,
			output, estimateTokens(output), 0, 0, time.Since(start)))
	}()
	return out, nil
}
