package middleware

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// RequestLogFormatter writes one structured entry per request for chi's RequestLogger.
// Only the path is logged, never the query string: the websocket route carries its token there.
type RequestLogFormatter struct {
	Logger logrus.FieldLogger
}

func (f *RequestLogFormatter) NewLogEntry(r *http.Request) chimiddleware.LogEntry {
	return &requestLogEntry{log: f.Logger.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"remote_addr": r.RemoteAddr,
		"request_id":  chimiddleware.GetReqID(r.Context()),
	})}
}

type requestLogEntry struct {
	log logrus.FieldLogger
}

func (e *requestLogEntry) Write(status, bytes int, header http.Header, elapsed time.Duration, extra interface{}) {
	e.log.WithFields(logrus.Fields{
		"status":  status,
		"bytes":   bytes,
		"elapsed": elapsed.String(),
	}).Info("request completed")
}

func (e *requestLogEntry) Panic(v interface{}, stack []byte) {
	e.log.WithFields(logrus.Fields{
		"panic": v,
		"stack": string(stack),
	}).Error("request panicked")
}
