package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MQPublishSpan 在 MQ 发布时创建 span
func MQPublishSpan(ctx context.Context, routingKey string, exchange string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "mq.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(mqAttributes(exchange, "exchange", routingKey)...),
	)
}

// MQConsumeSpan 在 MQ 消费时创建 span；调用前应先从消息头提取 trace context
func MQConsumeSpan(ctx context.Context, routingKey string, queue string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "mq.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(mqAttributes(queue, "queue", routingKey)...),
	)
}

func mqAttributes(destination, kind, routingKey string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination", destination),
		attribute.String("messaging.destination_kind", kind),
		attribute.String("messaging.rabbitmq.routing_key", routingKey),
	}
}

// MQHeaderCarrier 把 RabbitMQ 消息头适配为 TextMapCarrier（traceparent、tracestate、baggage）
type MQHeaderCarrier map[string]interface{}

func NewMQHeaderCarrier(headers map[string]interface{}) MQHeaderCarrier {
	if headers == nil {
		headers = make(map[string]interface{})
	}
	return MQHeaderCarrier(headers)
}

func (c MQHeaderCarrier) Get(key string) string {
	if str, ok := c[key].(string); ok {
		return str
	}
	return ""
}

func (c MQHeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c MQHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
