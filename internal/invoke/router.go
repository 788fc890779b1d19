// Package invoke routes batch invocations to the target runtime named by
// the source's target: a Lambda function, an HTTP endpoint or a Kafka topic.
package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/lsm/fiso-stream/internal/retry"
	"github.com/lsm/fiso-stream/internal/streams"
)

// Kind is the runtime a target is invoked through.
type Kind string

const (
	KindLambda Kind = "lambda"
	KindHTTP   Kind = "http"
	KindKafka  Kind = "kafka"
)

// KindOf derives the target kind. Lambda ARNs and bare function names are
// Lambda targets; http(s):// URLs are HTTP; kafka://cluster/topic is Kafka.
func KindOf(target string) (Kind, error) {
	switch {
	case target == "":
		return "", fmt.Errorf("empty target")
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		return KindHTTP, nil
	case strings.HasPrefix(target, "kafka://"):
		return KindKafka, nil
	case strings.HasPrefix(target, "arn:"):
		if strings.Contains(target, ":lambda:") {
			return KindLambda, nil
		}
		return "", fmt.Errorf("target %q is not a lambda function arn", target)
	case strings.Contains(target, "://"):
		return "", fmt.Errorf("target %q has an unsupported scheme", target)
	default:
		return KindLambda, nil
	}
}

// Router is a streams.Invoker that forwards each request to the invoker
// registered for its target kind.
type Router struct {
	invokers map[Kind]streams.Invoker
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{invokers: make(map[Kind]streams.Invoker)}
}

// Handle registers inv for targets of kind.
func (r *Router) Handle(kind Kind, inv streams.Invoker) {
	r.invokers[kind] = inv
}

// Validate reports whether target can be routed.
func (r *Router) Validate(target string) error {
	kind, err := KindOf(target)
	if err != nil {
		return err
	}
	if _, ok := r.invokers[kind]; !ok {
		return fmt.Errorf("no invoker configured for %s targets", kind)
	}
	return nil
}

// Invoke implements streams.Invoker. Routing failures are permanent.
func (r *Router) Invoke(ctx context.Context, req streams.InvokeRequest) (*streams.InvokeResult, error) {
	kind, err := KindOf(req.Target)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	inv, ok := r.invokers[kind]
	if !ok {
		return nil, retry.Permanent(fmt.Errorf("no invoker configured for %s targets", kind))
	}
	return inv.Invoke(ctx, req)
}

// BatchItemFailures extracts the partial batch response a handler may
// return. Any payload that is not such a response yields nil.
func BatchItemFailures(payload []byte) []string {
	if len(payload) == 0 || payload[0] != '{' {
		return nil
	}
	var resp events.DynamoDBEventResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil
	}
	var ids []string
	for _, f := range resp.BatchItemFailures {
		if f.ItemIdentifier != "" {
			ids = append(ids, f.ItemIdentifier)
		}
	}
	return ids
}
