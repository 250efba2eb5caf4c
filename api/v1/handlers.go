package v1

import (
	"log/slog"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"github.com/tinoosan/workshopsync/internal/data"
	"github.com/tinoosan/workshopsync/internal/reqid"
	"github.com/tinoosan/workshopsync/internal/service"
)

const maxNameLen = 512

type BatchHandler struct {
	l   *slog.Logger
	svc service.Download
}

type submitItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type submitBody struct {
	Operation string       `json:"operation"`
	Items     []submitItem `json:"items"`
}

type dependenciesBody struct {
	IDs []string `json:"ids"`
}

func NewBatchHandler(l *slog.Logger, svc service.Download) *BatchHandler {
	return &BatchHandler{l: l, svc: svc}
}

// fail marks err for the access log and writes it with its mapped status.
func fail(w http.ResponseWriter, err error) {
	markErr(w, err)
	http.Error(w, err.Error(), statusFor(err))
}

// ListBatches returns every batch, most recent first. ?active=true limits the
// list to batches that still have work in flight.
func (h *BatchHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	bs, err := h.svc.List(r.Context(), activeOnly)
	if err != nil {
		fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := bs.ToJSON(w); err != nil {
		markErr(w, err)
		http.Error(w, "Unable to marshal json", http.StatusInternalServerError)
	}
}

func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = b.ToJSON(w)
}

// SubmitBatch accepts {operation, items:[{id, name}]} and answers 202 with
// the freshly queued batch.
func (h *BatchHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := decodeJSONStrict(w, r, &body, maxBodyBytes, "application/json"); err != nil {
		if err == ErrContentType {
			fail(w, err)
			return
		}
		markErr(w, err)
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	op, err := data.ParseOperation(body.Operation)
	if err != nil {
		fail(w, err)
		return
	}
	items := make([]service.Item, 0, len(body.Items))
	for _, it := range body.Items {
		id, err := data.ParseContentID(it.ID)
		if err != nil {
			fail(w, err)
			return
		}
		if utf8.RuneCountInString(it.Name) > maxNameLen {
			fail(w, ErrItemName)
			return
		}
		items = append(items, service.Item{ID: id, Name: it.Name})
	}

	b, err := h.svc.Submit(r.Context(), op, items)
	if err != nil {
		fail(w, err)
		return
	}
	reqid.Logger(r.Context(), h.l).Info("batch submitted", "batch_id", b.ID, "operation", op, "items", len(b.Items))
	_ = writeJSON(w, http.StatusAccepted, b)
}

func (h *BatchHandler) RetryBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	_ = writeJSON(w, http.StatusAccepted, b)
}

func (h *BatchHandler) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Dependencies answers {"<id>":["<child>", ...]} for the ids whose query
// came back before the engine timeout.
func (h *BatchHandler) Dependencies(w http.ResponseWriter, r *http.Request) {
	var body dependenciesBody
	if err := decodeJSONStrict(w, r, &body, maxBodyBytes, "application/json"); err != nil {
		if err == ErrContentType {
			fail(w, err)
			return
		}
		markErr(w, err)
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	ids := make([]uint64, 0, len(body.IDs))
	for _, s := range body.IDs {
		id, err := data.ParseContentID(s)
		if err != nil {
			fail(w, err)
			return
		}
		ids = append(ids, id)
	}

	deps, err := h.svc.Dependencies(r.Context(), ids)
	if err != nil {
		fail(w, err)
		return
	}
	out := make(map[string][]string, len(deps))
	for id, children := range deps {
		cs := make([]string, len(children))
		for i, c := range children {
			cs[i] = data.FormatContentID(c)
		}
		out[data.FormatContentID(id)] = cs
	}
	_ = writeJSON(w, http.StatusOK, out)
}
