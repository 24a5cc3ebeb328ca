package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/easysmart/iot-core/internal/device"
	"github.com/easysmart/iot-core/internal/entity"
	"github.com/easysmart/iot-core/internal/provisioning"
)

// failedItem reports one entity a batch could not create.
type failedItem struct {
	EntityID string `json:"entity_id"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func failures(b provisioning.BatchResult) []failedItem {
	out := []failedItem{}
	for _, it := range b.Failed() {
		_, code := classify(it.Err)
		out = append(out, failedItem{EntityID: it.EntityID, Code: code, Message: it.Err.Error()})
	}
	return out
}

// handleListTemplates returns the device types the catalog can expand.
func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	templates := s.engine.Catalog().List()
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates, "count": len(templates)})
}

// handleQuota returns the caller tenant's device usage against its plan.
func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	decision, err := s.engine.Quota(r.Context(), tenantOf(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// handleListDevices returns the caller tenant's devices, newest first.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.ListByTenant(r.Context(), tenantOf(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleCreateDevice provisions a device and its template entities.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req provisioning.DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	res, err := s.engine.CreateDevice(r.Context(), tenantOf(r), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"device":   res.Device,
		"entities": res.Entities.Created(),
		"failed":   failures(res.Entities),
		"quota":    res.Quota,
	})
}

// handleGetDevice returns one device with its entities.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dev, err := s.devices.GetForTenant(ctx, tenantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	entities, err := s.entities.ListByDevice(ctx, dev.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	dev.EntityCount = len(entities)

	writeJSON(w, http.StatusOK, map[string]any{"device": dev, "entities": entities})
}

// handleUpdateDevice partially updates a device.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var u device.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	dev, err := s.devices.Update(r.Context(), tenantOf(r), chi.URLParam(r, "id"), u)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleDeleteDevice removes a device and all its entities.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteDevice(r.Context(), tenantOf(r), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListEntities returns a device's entities in creation order.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dev, err := s.devices.GetForTenant(ctx, tenantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	entities, err := s.entities.ListByDevice(ctx, dev.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": dev.ID,
		"entities":  entities,
		"count":     len(entities),
	})
}

// handleCreateEntity adds one entity to a device.
func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var spec entity.Spec
	if err := decodeSpecs(r, &spec); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	ent, err := s.engine.AddEntity(r.Context(), tenantOf(r), chi.URLParam(r, "id"), spec)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ent)
}

// decodeSpecs reads an entity create body. Initial values keep numbers as
// json.Number so text entities store the digits as sent.
func decodeSpecs(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

// bulkRequest is the body of POST /devices/{id}/entities/bulk.
type bulkRequest struct {
	Entities []entity.Spec `json:"entities"`
}

// handleBulkCreateEntities adds several entities to a device. Items fail
// independently; the response lists both outcomes. When nothing could be
// created the first failure decides the status.
func (s *Server) handleBulkCreateEntities(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decodeSpecs(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Entities) == 0 {
		s.writeDomainError(w, r, fmt.Errorf("%w: entities", entity.ErrMissingField))
		return
	}

	res, err := s.engine.AddEntities(r.Context(), tenantOf(r), chi.URLParam(r, "id"), req.Entities)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	created := res.Created()
	if len(created) == 0 {
		s.writeDomainError(w, r, res.Failed()[0].Err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"entities": created,
		"failed":   failures(res),
		"count":    len(created),
	})
}

// valueRequest is the body of PATCH .../entities/{entityID}/value.
type valueRequest struct {
	Value *json.RawMessage `json:"value"`
}

// handleSetEntityValue writes an entity value and forwards it to the device.
// entityID is the entity's identifier within the device.
func (s *Server) handleSetEntityValue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req valueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Value == nil {
		s.writeDomainError(w, r, fmt.Errorf("%w: value", entity.ErrMissingField))
		return
	}
	raw, err := entity.UnmarshalRaw(*req.Value)
	if err != nil {
		writeBadRequest(w, "invalid value")
		return
	}

	dev, err := s.devices.GetForTenant(ctx, tenantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	ent, err := s.entities.GetByDeviceAndEntityID(ctx, dev.ID, chi.URLParam(r, "entityID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	requestID := ctx.Value(ctxKeyRequestID)
	updated, err := s.commands.Command(ctx, ent, raw, func(err error) {
		if err != nil {
			s.logger.Warn("entity command not delivered",
				"device_id", dev.DeviceID,
				"entity_id", ent.EntityID,
				"request_id", requestID,
				"error", err,
			)
		}
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleUpdateEntity changes an entity's name, unit, icon or config.
func (s *Server) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var patch entity.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	ent, err := s.engine.EntityForTenant(ctx, tenantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	updated, err := s.entities.UpdateConfig(ctx, ent.ID, patch)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteEntity removes an unlocked entity.
func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteEntity(r.Context(), tenantOf(r), chi.URLParam(r, "id")); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
