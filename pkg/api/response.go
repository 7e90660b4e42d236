// SPDX-License-Identifier: AGPL-3.0-only

package api

import (
	"context"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/cognitedata/mapcache/pkg/cdf"
	"github.com/cognitedata/mapcache/pkg/treeview"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	statusSuccess = "success"
	statusError   = "error"

	errorBadData  = "bad_data"
	errorNotFound = "not_found"
	errorUpstream = "upstream"
	errorCanceled = "canceled"
	errorInternal = "internal"
)

type response struct {
	Status    string `json:"status"`
	Data      any    `json:"data,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
	Error     string `json:"error,omitempty"`
}

func respond(logger log.Logger, w http.ResponseWriter, status int, body response) {
	b, err := json.Marshal(&body)
	if err != nil {
		level.Error(logger).Log("msg", "error marshaling json response", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if n, err := w.Write(b); err != nil {
		level.Error(logger).Log("msg", "error writing response", "bytesWritten", n, "err", err)
	}
}

func respondSuccess(logger log.Logger, w http.ResponseWriter, data any) {
	respond(logger, w, http.StatusOK, response{Status: statusSuccess, Data: data})
}

func respondInvalidRequest(logger log.Logger, w http.ResponseWriter, msg string) {
	respond(logger, w, http.StatusBadRequest, response{Status: statusError, ErrorType: errorBadData, Error: msg})
}

// respondFetchError maps a cache failure to a status code. Failures reported
// by the upstream API become 502, a caller giving up becomes 499.
func respondFetchError(logger log.Logger, w http.ResponseWriter, err error) {
	var statusErr *cdf.StatusError
	switch {
	case errors.Is(err, treeview.ErrNodeNotFound):
		respond(logger, w, http.StatusNotFound, response{Status: statusError, ErrorType: errorNotFound, Error: err.Error()})
	case errors.Is(err, context.Canceled):
		respond(logger, w, 499, response{Status: statusError, ErrorType: errorCanceled, Error: err.Error()})
	case errors.As(err, &statusErr):
		level.Warn(logger).Log("msg", "upstream request failed", "status", statusErr.StatusCode, "err", err)
		respond(logger, w, http.StatusBadGateway, response{Status: statusError, ErrorType: errorUpstream, Error: err.Error()})
	default:
		level.Error(logger).Log("msg", "request failed", "err", err)
		respond(logger, w, http.StatusInternalServerError, response{Status: statusError, ErrorType: errorInternal, Error: err.Error()})
	}
}
