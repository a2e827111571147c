package rest

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/xilinx/xroe-ecpri/pkg/engine"
	"github.com/xilinx/xroe-ecpri/pkg/util"
)

const RequestIDHeader = "X-Request-Id"

var ErrBadRequest = errors.New("bad request")

// Paths polled by the CLI and scrapers; their GETs are not logged.
var quietPaths = map[string]struct{}{
	"/ping":      {},
	"/metrics":   {},
	"/v1/status": {},
	"/v1/owdm":   {},
}

func HandleError(t func(http.ResponseWriter, *http.Request) error) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if err := t(rw, req); err != nil {
			writeError(rw, req, err)
		}
	})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, engine.ErrInvalidRequest),
		errors.Is(err, engine.ErrUnsupportedAction):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrMeasurementInFlight),
		errors.Is(err, engine.ErrRequestInFlight):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, engine.ErrRemoteFailure),
		errors.Is(err, engine.ErrResponseMismatch):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(rw http.ResponseWriter, req *http.Request, err error) {
	code := statusCode(err)
	id := rw.Header().Get(RequestIDHeader)
	logrus.WithError(err).WithFields(logrus.Fields{
		"method":    req.Method,
		"path":      req.URL.Path,
		"requestID": id,
		"status":    code,
	}).Warn("Control request failed")

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	if encErr := json.NewEncoder(rw).Encode(&ErrorOutput{Error: err.Error(), RequestID: id}); encErr != nil {
		logrus.WithError(encErr).Warn("Failed to write error response")
	}
}

func writeJSON(rw http.ResponseWriter, obj interface{}) error {
	rw.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(rw).Encode(obj)
}

func readJSON(req *http.Request, obj interface{}) error {
	if err := json.NewDecoder(req.Body).Decode(obj); err != nil {
		return errors.Wrapf(ErrBadRequest, "failed to decode request body: %v", err)
	}
	return nil
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		id := req.Header.Get(RequestIDHeader)
		if id == "" {
			id = util.UUID()
		}
		rw.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(rw, req)
	})
}

func NewRouter(s *Server) *mux.Router {
	router := mux.NewRouter().StrictSlash(true)
	router.Use(requestID)
	f := HandleError

	router.Methods("GET").Path("/ping").Handler(f(s.Ping))
	router.Methods("GET").Path("/v1/status").Handler(f(s.GetStatus))
	router.Methods("GET").Path("/v1/version").Handler(f(s.GetVersion))

	// RMA
	router.Methods("POST").Path("/v1/rma/read").Handler(f(s.RMARead))
	router.Methods("POST").Path("/v1/rma/write").Handler(f(s.RMAWrite))

	// OWDM
	router.Methods("GET").Path("/v1/owdm").Handler(f(s.GetOWDM))
	router.Methods("POST").Path("/v1/owdm").Handler(f(s.RequestOWDM))
	router.Methods("PUT").Path("/v1/owdm/limit").Handler(f(s.SetOWDMLimit))

	// Generic data and remote reset
	router.Methods("POST").Path("/v1/test-message").Handler(f(s.SendTestMessage))
	router.Methods("POST").Path("/v1/reset").Handler(f(s.RemoteReset))

	if s.metrics != nil {
		router.Methods("GET").Path("/metrics").Handler(s.metrics.Handler())
	}
	return router
}

// NewHandler is the router wrapped with request logging to writer.
func NewHandler(s *Server, writer io.Writer) http.Handler {
	return util.FilteredLoggingHandler(quietPaths, writer, NewRouter(s))
}
