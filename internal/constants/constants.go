package constants

import "time"

const (
	DefaultHTTPTimeout = 10 * time.Second
	ShutdownTimeout    = 5 * time.Second
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)

const (
	ServiceGateway        = "herald-gateway"
	ServiceDispatchWorker = "herald-dispatch-worker"
)

const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID"
)

const (
	BrokerKafka  = "kafka"
	BrokerSQS    = "sqs"
	BrokerMemory = "memory"
)

const (
	TemplateSourceStatic  = "static"
	TemplateSourceMongoDB = "mongodb"
)

const (
	ProviderNameSMTP = "smtp"
	ProviderNameFCM  = "fcm"
)

const (
	DefaultDLQListLimit = 50
	MaxDLQListLimit     = 1000
)

const DefaultMongoDBName = "herald"
