package logging

import (
	"context"
)

type ctxKey string

const (
	CorrelationIDKey  = "correlation_id"
	TraceIDKey        = "trace_id"
	NotificationIDKey = "notification_id"
	ServiceNameKey    = "service_name"
	ChannelKey        = "channel"
)

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, ctxKey(CorrelationIDKey), correlationID)
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey(TraceIDKey), traceID)
}

func WithNotificationID(ctx context.Context, notificationID string) context.Context {
	return context.WithValue(ctx, ctxKey(NotificationIDKey), notificationID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return context.WithValue(ctx, ctxKey(ServiceNameKey), serviceName)
}

func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ctxKey(ChannelKey), channel)
}

func GetCorrelationID(ctx context.Context) string {
	return stringValue(ctx, CorrelationIDKey)
}

func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

func GetNotificationID(ctx context.Context) string {
	return stringValue(ctx, NotificationIDKey)
}

func GetServiceName(ctx context.Context) string {
	return stringValue(ctx, ServiceNameKey)
}

func GetChannel(ctx context.Context) string {
	return stringValue(ctx, ChannelKey)
}

func stringValue(ctx context.Context, key string) string {
	if v, ok := ctx.Value(ctxKey(key)).(string); ok {
		return v
	}
	return ""
}

// GetLogFields returns the request-scoped key/value pairs in a stable order.
func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 10)

	for _, key := range []string{CorrelationIDKey, TraceIDKey, NotificationIDKey, ChannelKey, ServiceNameKey} {
		if v := stringValue(ctx, key); v != "" {
			fields = append(fields, key, v)
		}
	}

	return fields
}
