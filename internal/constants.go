package internal

const (
	HeaderAuthorization   = "Authorization"
	HeaderProtocolVersion = "X-Protocol-Version"
	HeaderIdempotencyKey  = "Idempotency-Key"

	QueryAccessToken     = "access_token"
	QueryProtocolVersion = "v"

	BearerPrefix = "Bearer "
)
