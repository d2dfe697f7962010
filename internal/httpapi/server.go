package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gpupool/internal/batch"
	"gpupool/internal/cache"
	"gpupool/internal/device"
	"gpupool/internal/events"
	"gpupool/internal/pool"
	"gpupool/internal/poolerr"
	"gpupool/pkg/types"
)

// Service defines the methods required by the HTTP API layer. *pool.Pool
// implements it.
type Service interface {
	Ready() bool
	Status() types.PoolStatus
	Devices() []types.DeviceStatus
	DeviceStatus(id string) (types.DeviceStatus, error)
	Models() []types.Model
	FindBestDevice(modelID, kind string) (string, error)
	DevicesWithModel(modelID string) []string

	LoadModel(ctx context.Context, deviceID, modelID string, fromCache bool) (device.ResidentModel, error)
	UnloadModel(ctx context.Context, deviceID string) error
	RunInference(ctx context.Context, deviceID string, req types.InferRequest) (types.InferResponse, error)
	CleanupDevice(ctx context.Context, deviceID string) (int64, error)

	CacheLoad(ctx context.Context, modelID string, components []types.ComponentRequest) ([]cache.Entry, error)
	CacheRemove(modelID string) error
	CacheStatus() types.CacheStatus
	MemoryStats() types.MemoryStats

	BatchLoad(devices []string, modelID string, fromCache bool) (string, error)
	BatchUnload(devices []string) (string, error)
	BatchCleanup(devices []string) (string, error)
	BatchInference(devices []string, req types.InferRequest) (string, error)
	Job(id string) (batch.Job, error)
	WaitJob(ctx context.Context, id string) (batch.Job, error)
	CancelJob(id string) (batch.Job, error)
	Jobs() []batch.Job

	Allocate(deviceID string, size int64, tag string) (device.Allocation, error)
	Deallocate(id string) error
	Allocations(deviceID string) ([]device.Allocation, error)

	Postprocess(ctx context.Context) error
	Training(ctx context.Context) error
	Events() []events.Event
}

var _ Service = (*pool.Pool)(nil)

// NewMux builds the router. Routes:
//
//	GET    /healthz /readyz /metrics /models /events /memory
//	GET    /devices, /devices/{id}
//	POST   /devices/{id}/load|unload|infer|cleanup
//	GET    /devices/{id}/allocations   POST /devices/{id}/allocations
//	DELETE /allocations/{id}
//	GET    /pool/status, /pool/best?model=&kind=, /pool/models/{model}/devices
//	POST   /infer
//	POST   /cache/load   DELETE /cache/{model}   GET /cache/status
//	POST   /batch/load|unload|cleanup|infer   (?async=1 returns 202 at once)
//	GET    /jobs, /jobs/{id}   DELETE /jobs/{id}
//	POST   /postprocess, /training (501)
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(requestLogger)
	if corsEnabled {
		r.Use(corsMiddleware())
	}
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &handlers{svc: svc}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no device available"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.ModelsResponse{Success: true, Models: svc.Models()})
	})
	r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.EventsResponse{Success: true, Events: pool.EventReport(svc.Events())})
	})
	r.Get("/memory", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.MemoryStats())
	})

	r.Route("/devices", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, types.DevicesResponse{Success: true, Devices: svc.Devices()})
		})
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.device)
			r.Post("/load", h.load)
			r.Post("/unload", h.unload)
			r.Post("/infer", h.infer)
			r.Post("/cleanup", h.cleanup)
			r.Get("/allocations", h.allocations)
			r.Post("/allocations", h.allocate)
		})
	})
	r.Delete("/allocations/{id}", h.deallocate)

	r.Route("/pool", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, svc.Status())
		})
		r.Get("/best", h.best)
		r.Get("/models/{model}/devices", func(w http.ResponseWriter, r *http.Request) {
			model := chi.URLParam(r, "model")
			devs := svc.DevicesWithModel(model)
			if devs == nil {
				devs = []string{}
			}
			writeJSON(w, http.StatusOK, types.ModelDevicesResponse{Success: true, Model: model, Devices: devs})
		})
	})
	r.Post("/infer", h.infer)

	r.Route("/cache", func(r chi.Router) {
		r.Post("/load", h.cacheLoad)
		r.Delete("/{model}", h.cacheRemove)
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, svc.CacheStatus())
		})
	})

	r.Route("/batch", func(r chi.Router) {
		r.Post("/load", h.batch(func(req types.BatchRequest) (string, error) {
			return svc.BatchLoad(req.Devices, req.Model, req.FromCache)
		}))
		r.Post("/unload", h.batch(func(req types.BatchRequest) (string, error) {
			return svc.BatchUnload(req.Devices)
		}))
		r.Post("/cleanup", h.batch(func(req types.BatchRequest) (string, error) {
			return svc.BatchCleanup(req.Devices)
		}))
		r.Post("/infer", h.batch(func(req types.BatchRequest) (string, error) {
			if req.Inference == nil {
				return "", poolerr.InvalidRequest("http.batch_infer", "inference parameters are required")
			}
			return svc.BatchInference(req.Devices, *req.Inference)
		}))
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			jobs := svc.Jobs()
			resp := types.JobsResponse{Success: true, Jobs: make([]types.JobResponse, 0, len(jobs))}
			for _, j := range jobs {
				resp.Jobs = append(resp.Jobs, pool.JobReport(j))
			}
			writeJSON(w, http.StatusOK, resp)
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			j, err := svc.Job(chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, pool.JobReport(j))
		})
		r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
			j, err := svc.CancelJob(chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, pool.JobReport(j))
		})
	})

	r.Post("/postprocess", func(w http.ResponseWriter, r *http.Request) { writeError(w, svc.Postprocess(r.Context())) })
	r.Post("/training", func(w http.ResponseWriter, r *http.Request) { writeError(w, svc.Training(r.Context())) })

	return r
}

type handlers struct {
	svc Service
}

// decodeJSON enforces the JSON content type and body limit. An empty body
// leaves v untouched when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	if optional && r.ContentLength == 0 {
		return true
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.EqualFold(mt, "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *handlers) deviceResponse(w http.ResponseWriter, id, msg string) {
	st, err := h.svc.DeviceStatus(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.DeviceResponse{Success: true, Message: msg, Device: st})
}

func (h *handlers) device(w http.ResponseWriter, r *http.Request) {
	h.deviceResponse(w, chi.URLParam(r, "id"), "")
}

func (h *handlers) load(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req types.LoadRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	ctx, cancel := requestContext(r, 0)
	defer cancel()
	if _, err := h.svc.LoadModel(ctx, id, req.Model, req.FromCache); err != nil {
		writeError(w, err)
		return
	}
	h.deviceResponse(w, id, fmt.Sprintf("model %s loaded on %s", req.Model, id))
}

func (h *handlers) unload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := requestContext(r, 0)
	defer cancel()
	if err := h.svc.UnloadModel(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	h.deviceResponse(w, id, "device "+id+" unloaded")
}

func (h *handlers) cleanup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := requestContext(r, 0)
	defer cancel()
	freed, err := h.svc.CleanupDevice(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.CleanupResponse{Success: true, DeviceID: id, FreedBytes: freed})
}

// infer serves both /infer (auto-placed) and /devices/{id}/infer.
func (h *handlers) infer(w http.ResponseWriter, r *http.Request) {
	var req types.InferRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	ctx, cancel := requestContext(r, inferDeadline())
	defer cancel()
	resp, err := h.svc.RunInference(ctx, chi.URLParam(r, "id"), req)
	if err != nil {
		if ctx.Err() != nil && r.Context().Err() != nil {
			return // client went away
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) best(w http.ResponseWriter, r *http.Request) {
	model, kind := r.URL.Query().Get("model"), r.URL.Query().Get("kind")
	if model == "" {
		writeJSONError(w, http.StatusBadRequest, "model query parameter is required")
		return
	}
	id, err := h.svc.FindBestDevice(model, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.BestDeviceResponse{Success: true, Model: model, Kind: kind, DeviceID: id})
}

func (h *handlers) cacheLoad(w http.ResponseWriter, r *http.Request) {
	var req types.CacheLoadRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	ctx, cancel := requestContext(r, 0)
	defer cancel()
	entries, err := h.svc.CacheLoad(ctx, req.Model, req.Components)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.CacheLoadResponse{
		Success: true,
		Message: fmt.Sprintf("model %s cached (%d components)", req.Model, len(entries)),
		Entries: pool.CacheEntries(entries),
	})
}

func (h *handlers) cacheRemove(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	if err := h.svc.CacheRemove(model); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.Response{Success: true, Message: "model " + model + " removed from cache"})
}

func (h *handlers) allocations(w http.ResponseWriter, r *http.Request) {
	as, err := h.svc.Allocations(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := types.AllocationsResponse{Success: true, Allocations: make([]types.AllocationStatus, 0, len(as))}
	for _, a := range as {
		resp.Allocations = append(resp.Allocations, pool.AllocationReport(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) allocate(w http.ResponseWriter, r *http.Request) {
	var req types.AllocateRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	a, err := h.svc.Allocate(chi.URLParam(r, "id"), req.SizeBytes, req.Tag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.AllocationResponse{Success: true, Allocation: pool.AllocationReport(a)})
}

func (h *handlers) deallocate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Deallocate(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.Response{Success: true, Message: "allocation " + id + " released"})
}

// batch submits a job and, unless ?async is set, waits for it so the
// response carries the full per-target breakdown.
func (h *handlers) batch(submit func(types.BatchRequest) (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.BatchRequest
		if !decodeJSON(w, r, &req, true) {
			return
		}
		id, err := submit(req)
		if err != nil {
			writeError(w, err)
			return
		}
		if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
			j, err := h.svc.Job(id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, pool.JobReport(j))
			return
		}
		ctx, cancel := requestContext(r, inferDeadline())
		defer cancel()
		j, err := h.svc.WaitJob(ctx, id)
		if err != nil {
			// Still running: report what is known so far.
			if snap, serr := h.svc.Job(id); serr == nil {
				writeJSON(w, http.StatusAccepted, pool.JobReport(snap))
				return
			}
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pool.JobReport(j))
	}
}
