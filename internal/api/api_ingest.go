package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/shuttlecore/core/internal/staging"
)

// palletItem decodes a listItem entry that may arrive as a bare pallet id
// string or as an object carrying at least an "id" field.
type palletItem string

func (p *palletItem) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = palletItem(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*p = palletItem(obj.ID)
	return nil
}

type autoModeRequest struct {
	RackID     string       `json:"rackId"`
	PalletType string       `json:"palletType"`
	ListItem   []palletItem `json:"listItem"`
}

func (r autoModeRequest) toDomain() staging.AutoModeRequest {
	items := make([]string, len(r.ListItem))
	for i, it := range r.ListItem {
		items[i] = string(it)
	}
	return staging.AutoModeRequest{RackID: r.RackID, PalletType: r.PalletType, ListItem: items}
}

// decodeAutoModeBody accepts either a single ingestion object or an array
// of them, per the ingestion surface's "one object or array" contract.
func decodeAutoModeBody(body []byte) ([]staging.AutoModeRequest, error) {
	var batch []autoModeRequest
	if err := json.Unmarshal(body, &batch); err == nil {
		out := make([]staging.AutoModeRequest, len(batch))
		for i, r := range batch {
			out[i] = r.toDomain()
		}
		return out, nil
	}
	var single autoModeRequest
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, err
	}
	return []staging.AutoModeRequest{single.toDomain()}, nil
}

// handleAutoMode ingests one or more pallets into the staging pipeline.
func (a *API) handleAutoMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.ingestLimiter.Allow() {
		writeRateLimitError(w)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	requests, err := decodeAutoModeBody(body)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := a.staging.AutoMode(r.Context(), requests)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"data":    result,
	})
}

type registerRequest struct {
	PalletID   string `json:"pallet_id"`
	PalletData string `json:"pallet_data"`
}

// handleRegister records a pallet on the inbound queue, rejecting a
// pallet id already known to the inbound queue, the staging list, an
// active task, or the catalog.
func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.ingestLimiter.Allow() {
		writeRateLimitError(w)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.PalletID == "" {
		http.Error(w, "pallet_id is required", http.StatusBadRequest)
		return
	}

	dup, err := a.staging.IsDuplicatePallet(r.Context(), req.PalletID)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if dup {
		http.Error(w, "pallet already registered", http.StatusConflict)
		return
	}

	if err := a.staging.RegisterInbound(r.Context(), req.PalletID); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "registered", "pallet_id": req.PalletID})
}
