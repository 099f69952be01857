package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// UploadFile describes one multipart file part.
type UploadFile struct {
	FieldName string
	FileName  string
	Content   io.Reader
	Fields    map[string]string
}

// ProgressFunc receives the bytes sent so far and the total body size.
type ProgressFunc func(sent, total int64)

// Upload posts a multipart form. Uploads are not retried.
func (c *Client) Upload(ctx context.Context, path string, file UploadFile, progress ProgressFunc, out any, opts ...RequestOption) error {
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range file.Fields {
		if err := mw.WriteField(k, v); err != nil {
			return classify(fmt.Errorf("failed to write form field %s: %w", k, err))
		}
	}
	field := file.FieldName
	if field == "" {
		field = "file"
	}
	part, err := mw.CreateFormFile(field, file.FileName)
	if err != nil {
		return classify(fmt.Errorf("failed to create form file: %w", err))
	}
	if file.Content != nil {
		if _, err := io.Copy(part, file.Content); err != nil {
			return classify(fmt.Errorf("failed to read upload content: %w", err))
		}
	}
	if err := mw.Close(); err != nil {
		return classify(err)
	}

	timeout := c.uploadTimeout
	if ro.timeout > 0 {
		timeout = ro.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.url(path, ro.query)
	ctx, span := tracer.Start(ctx, "UPLOAD "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", http.MethodPost),
			attribute.String("http.url", endpoint),
			attribute.Int("upload.bytes", buf.Len()),
		),
	)
	defer span.End()

	total := int64(buf.Len())
	body := &progressReader{r: &buf, total: total, fn: progress}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return classify(err)
	}
	req.ContentLength = total
	c.applyHeaders(req, ro.headers)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		apiErr := classify(err)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Code)
		c.logger.Error("upload failed", "path", path, "error", apiErr)
		return apiErr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(err)
	}

	c.logger.Info("upload finished",
		"path", path,
		"status", resp.StatusCode,
		"bytes", total,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := errorFromResponse(resp.StatusCode, resp.Header.Get("Content-Type"), data)
		span.SetStatus(codes.Error, apiErr.Message)
		return apiErr
	}
	return decode(data, out)
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}
