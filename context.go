package dbus

import (
	"context"
	"errors"
	"os"
)

// senderContextKey carries the sender of the message being handled.
type senderContextKey struct{}

func withContextSender(ctx context.Context, iface Interface) context.Context {
	return context.WithValue(ctx, senderContextKey{}, iface)
}

// ContextSender returns the interface that emitted the signal or sent
// the method call being processed, when ctx is a context passed to a
// method handler or derived from one.
func ContextSender(ctx context.Context) (Interface, bool) {
	ret, ok := ctx.Value(senderContextKey{}).(Interface)
	return ret, ok
}

// filesContextKey carries the fd table of a received message, for
// File values decoded out of its body.
type filesContextKey struct{}

func withContextFiles(ctx context.Context, files []*os.File) context.Context {
	return context.WithValue(ctx, filesContextKey{}, files)
}

func contextFile(ctx context.Context, idx uint32) *os.File {
	fs, ok := ctx.Value(filesContextKey{}).([]*os.File)
	if !ok || int(idx) >= len(fs) {
		return nil
	}
	return fs[idx]
}

// putFilesContextKey carries the fd table being assembled for an
// outgoing message, appended to by File values in its body.
type putFilesContextKey struct{}

func withContextPutFiles(ctx context.Context, files *[]*os.File) context.Context {
	return context.WithValue(ctx, putFilesContextKey{}, files)
}

func contextPutFile(ctx context.Context, file *os.File) (idx uint32, err error) {
	fsp, ok := ctx.Value(putFilesContextKey{}).(*[]*os.File)
	if !ok || fsp == nil {
		return 0, errors.New("cannot send file descriptor outside of an outgoing message")
	}
	*fsp = append(*fsp, file)
	return uint32(len(*fsp) - 1), nil
}
