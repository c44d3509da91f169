package server

import (
	"flowdesk/internal/cache"
	"flowdesk/internal/domain"
)

type CreatePipelineRequest struct {
	Name   string   `json:"name"`
	Stages []string `json:"stages,omitempty"`
}

type PipelineResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Active    bool            `json:"active"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	Stages    []StageResponse `json:"stages,omitempty"`
}

type StageResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	Active   bool   `json:"active"`
}

type MoveRequest struct {
	ItemKind   string  `json:"item_kind" enum:"lead,service_file,tray"`
	ItemID     string  `json:"item_id"`
	PipelineID string  `json:"pipeline_id"`
	StageID    string  `json:"stage_id"`
	Timestamp  *string `json:"timestamp,omitempty" format:"date-time"`
}

type PlacementResponse struct {
	PipelineID string `json:"pipeline_id"`
	ItemKind   string `json:"item_kind"`
	ItemID     string `json:"item_id"`
	StageID    string `json:"stage_id"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

func placementResponse(p domain.Placement) PlacementResponse {
	return PlacementResponse{
		PipelineID: p.PipelineID,
		ItemKind:   string(p.Item.Kind),
		ItemID:     p.Item.ID,
		StageID:    p.StageID,
		UpdatedAt:  p.UpdatedAt,
	}
}

type BoardResponse struct {
	PipelineID string      `json:"pipeline_id"`
	Rows       []cache.Row `json:"rows"`
	CachedAt   string      `json:"cached_at" format:"date-time"`
	// Check carries the on-access scan summary when the check ran.
	Check *ScanResponse `json:"check,omitempty"`
}

type ScanResponse struct {
	OK                  bool   `json:"ok"`
	MovedCount          int    `json:"movedCount"`
	AddedCount          int    `json:"addedCount"`
	RemindedCount       int    `json:"remindedCount"`
	ColetNeridicatMoved int    `json:"coletNeridicatMovedCount"`
	FailedCount         int    `json:"failedCount"`
	Reason              string `json:"reason,omitempty"`
}

type InvoiceRequest struct {
	Billing domain.BillingData `json:"billing"`
}

type InvoiceResponse struct {
	FacturaID     string `json:"facturaId"`
	FacturaNumber string `json:"facturaNumber"`
	TotalBani     int64  `json:"total"`
	ArhivaFisaID  string `json:"arhivaFisaId"`
}

type CancelInvoiceRequest struct {
	Reason string `json:"reason"`
}

type ArchiveResponse struct {
	LeadMoved  bool `json:"leadMoved"`
	FileMoved  bool `json:"fileMoved"`
	TraysMoved int  `json:"traysMoved"`
}
