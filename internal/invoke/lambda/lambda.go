// Package lambda invokes AWS Lambda functions synchronously.
package lambda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/fiso-stream/internal/awsutil"
	"github.com/lsm/fiso-stream/internal/invoke"
	"github.com/lsm/fiso-stream/internal/retry"
	"github.com/lsm/fiso-stream/internal/streams"
	"github.com/lsm/fiso-stream/internal/tracing"
)

// permanentCodes are errors no retry can fix.
var permanentCodes = map[string]bool{
	lambda.ErrCodeResourceNotFoundException:      true,
	lambda.ErrCodeInvalidParameterValueException: true,
	lambda.ErrCodeInvalidRequestContentException: true,
	lambda.ErrCodeRequestTooLargeException:       true,
	lambda.ErrCodeUnsupportedMediaTypeException:  true,
	"AccessDeniedException":                      true,
}

// Invoker calls a function with the RequestResponse invocation type.
type Invoker struct {
	api    lambdaiface.LambdaAPI
	tracer trace.Tracer
	logger *slog.Logger
}

// New creates an Invoker from an AWS session.
func New(sess client.ConfigProvider, cfgs ...*aws.Config) *Invoker {
	return NewWithAPI(lambda.New(sess, cfgs...))
}

// NewWithAPI creates an Invoker over an existing client.
func NewWithAPI(api lambdaiface.LambdaAPI) *Invoker {
	return &Invoker{api: api, logger: slog.Default()}
}

// SetTracer sets the tracer for the invoker.
func (i *Invoker) SetTracer(tracer trace.Tracer) {
	i.tracer = tracer
}

// Invoke implements streams.Invoker. A function error or a partial batch
// response comes back as a failed result, not as an error.
func (i *Invoker) Invoke(ctx context.Context, req streams.InvokeRequest) (*streams.InvokeResult, error) {
	ctx, span := tracing.StartSpan(ctx, i.tracer, tracing.SpanLambdaInvoke,
		trace.WithAttributes(tracing.TargetAttr(req.Target), tracing.ShardAttr(req.ShardID)))
	defer span.End()

	out, err := i.api.InvokeWithContext(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(req.Target),
		InvocationType: aws.String(lambda.InvocationTypeRequestResponse),
		Payload:        req.Payload,
	})
	if err != nil {
		err = classify(req.Target, err)
		tracing.SetSpanError(span, err)
		return nil, err
	}

	res := &streams.InvokeResult{
		StatusCode:      int(aws.Int64Value(out.StatusCode)),
		FunctionError:   aws.StringValue(out.FunctionError),
		ExecutedVersion: aws.StringValue(out.ExecutedVersion),
		Payload:         out.Payload,
	}
	if res.FunctionError == "" {
		res.BatchItemFailures = invoke.BatchItemFailures(out.Payload)
	}
	span.SetAttributes(tracing.HTTPStatusAttr(res.StatusCode))
	if res.Failed() {
		if res.FunctionError != "" {
			span.SetAttributes(tracing.FunctionErrorAttr(res.FunctionError))
		}
		i.logger.WarnContext(ctx, "function reported failure",
			"target", req.Target,
			"shard_id", req.ShardID,
			"function_error", res.FunctionError,
			"batch_item_failures", len(res.BatchItemFailures),
		)
		return res, nil
	}
	tracing.SetSpanOK(span)
	return res, nil
}

func classify(target string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	wrapped := fmt.Errorf("invoke %s: %w", target, err)
	if permanentCodes[awsutil.ErrorCode(err)] {
		return retry.Permanent(wrapped)
	}
	return wrapped
}
