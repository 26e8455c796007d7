package log

// Common field names for structured logging
const (
	FieldComponent      = "component"
	FieldRequestID      = "request_id"
	FieldClientIP       = "client_ip"
	FieldMethod         = "method"
	FieldPath           = "path"
	FieldQuery          = "query"
	FieldStatusCode     = "status_code"
	FieldDuration       = "duration_ms"
	FieldUserAgent      = "user_agent"
	FieldSuccess        = "success"
	FieldError          = "error"
	FieldErrorType      = "error_type"
	FieldOperation      = "operation"
	FieldContributionID = "contribution_id"
	FieldProjectID      = "project_id"
	FieldNodeID         = "node_id"
	FieldNodes          = "nodes"
	FieldAmountCents    = "amount_cents"
	FieldCreatedBy      = "created_by"
	FieldBatchID        = "batch_id"
	FieldBoundary       = "boundary"
	FieldRows           = "rows"
)

// Components defines standard component names
const (
	ComponentApp        = "app"
	ComponentHTTP       = "http"
	ComponentAllocation = "allocation"
	ComponentStorage    = "storage"
	ComponentAMQP       = "amqp"
	ComponentWorker     = "worker"
	ComponentReport     = "report"
	ComponentRateLimit  = "rate_limit"
	ComponentBackend    = "backend"
	ComponentCache      = "cache"
)

// Operations defines standard operation names
const (
	OpAllocate = "allocate"
	OpResplit  = "resplit"
	OpRead     = "read"
	OpExport   = "export"
	OpMigrate  = "migrate"
	OpPublish  = "publish"
	OpShutdown = "shutdown"
	OpStartup  = "startup"
)

// ErrorTypes defines standard error type categories
const (
	ErrorTypeValidation    = "validation_error"
	ErrorTypeConfiguration = "configuration_error"
	ErrorTypeDatabase      = "database_error"
	ErrorTypeNetwork       = "network_error"
	ErrorTypeNotFound      = "not_found_error"
	ErrorTypeCapacity      = "capacity_error"
	ErrorTypeInternal      = "internal_error"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithAllocation adds the fields identifying an allocation request.
func (f LogFields) WithAllocation(contributionID int64, amountCents int64, createdBy string) LogFields {
	f[FieldContributionID] = contributionID
	f[FieldAmountCents] = amountCents
	f[FieldCreatedBy] = createdBy
	return f
}

// WithHTTPRequest adds HTTP request fields
func (f LogFields) WithHTTPRequest(method, path, query, userAgent string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	f[FieldUserAgent] = userAgent
	return f
}

// WithHTTPResponse adds HTTP response fields
func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
