package transport

import (
	"context"

	"github.com/roach88/usersync/internal/ir"
)

// Request kinds. Kinds label requests in logs and traces; the wire
// request is fully described by Method, Path and Body.
const (
	KindCreateUser         = "create_user"
	KindIdentifyUser       = "identify_user"
	KindFetchUser          = "fetch_user"
	KindAddAliases         = "add_aliases"
	KindRemoveAlias        = "remove_alias"
	KindUpdateProperties   = "update_properties"
	KindCreateSubscription = "create_subscription"
	KindUpdateSubscription = "update_subscription"
	KindDeleteSubscription = "delete_subscription"
	KindCustomEvent        = "custom_event"
	KindSetUpdateToken     = "set_update_token"
	KindRemoveUpdateToken  = "remove_update_token"
	KindSetStartToken      = "set_start_token"
	KindRemoveStartToken   = "remove_start_token"
	KindReceiveReceipt     = "receive_receipt"
)

// Request is one outbound call.
type Request struct {
	// ID correlates the request with the queue entry that produced it.
	ID   string
	Kind string

	Method string
	Path   string
	Body   ir.Object

	// JWT is attached as a bearer token when identity verification is on.
	JWT string

	// SubscriptionID identifies the sending device, if known.
	SubscriptionID string
}

// Response is a successful reply.
type Response struct {
	StatusCode int
	Body       ir.Object
}

// Client executes requests. A non-2xx reply is returned as *HTTPError.
type Client interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}
