package progress

import "context"

type contextKey int

const (
	downloadKey contextKey = iota
	uploadKey
)

// WithDownload attaches a listener for the response body of requests made with ctx.
func WithDownload(ctx context.Context, l Listener) context.Context {
	return context.WithValue(ctx, downloadKey, l)
}

// WithUpload attaches a listener for the request body of requests made with ctx.
func WithUpload(ctx context.Context, l Listener) context.Context {
	return context.WithValue(ctx, uploadKey, l)
}

// DownloadListener returns the download listener carried by ctx, if any.
func DownloadListener(ctx context.Context) Listener {
	l, _ := ctx.Value(downloadKey).(Listener)
	return l
}

// UploadListener returns the upload listener carried by ctx, if any.
func UploadListener(ctx context.Context) Listener {
	l, _ := ctx.Value(uploadKey).(Listener)
	return l
}
