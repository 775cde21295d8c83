package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// JobSpan 为一次任务执行创建 span
func JobSpan(ctx context.Context, jobType string, jobID int64, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "job."+jobType,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.type", jobType),
			attribute.Int64("job.id", jobID),
			attribute.Int("job.attempt", attempt),
		),
	)
}

// TransportSpan 为一次外发调用创建 span
func TransportSpan(ctx context.Context, gateway string, accountID int64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "mail.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mail.gateway", gateway),
			attribute.Int64("mail.account_id", accountID),
		),
	)
}

// EndSpan 根据错误设置状态并结束 span
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
