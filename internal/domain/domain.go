package domain

// ItemKind discriminates the three placeable entity kinds.
type ItemKind string

const (
	KindLead        ItemKind = "lead"
	KindServiceFile ItemKind = "service_file"
	KindTray        ItemKind = "tray"
)

// Valid reports whether k is one of the known kinds.
func (k ItemKind) Valid() bool {
	switch k {
	case KindLead, KindServiceFile, KindTray:
		return true
	}
	return false
}

// ItemRef identifies one placeable item: a lead, a service file or a tray.
type ItemRef struct {
	Kind ItemKind `json:"kind" enum:"lead,service_file,tray"`
	ID   string   `json:"id"`
}

func LeadRef(id string) ItemRef        { return ItemRef{Kind: KindLead, ID: id} }
func ServiceFileRef(id string) ItemRef { return ItemRef{Kind: KindServiceFile, ID: id} }
func TrayRef(id string) ItemRef        { return ItemRef{Kind: KindTray, ID: id} }

func (r ItemRef) String() string { return string(r.Kind) + ":" + r.ID }

type Pipeline struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Stage struct {
	ID         string `json:"id"`
	PipelineID string `json:"pipeline_id"`
	Name       string `json:"name"`
	Position   int    `json:"position"`
	Active     bool   `json:"active"`
}

// Placement maps (pipeline, item) to its current stage. At most one row
// exists per (pipeline, item kind, item id); an item may be placed in
// several pipelines at once.
type Placement struct {
	PipelineID string  `json:"pipeline_id"`
	Item       ItemRef `json:"item"`
	StageID    string  `json:"stage_id"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type Lead struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	Phone                string  `json:"phone,omitempty"`
	CallbackDate         *string `json:"callback_date,omitempty" format:"date-time"`
	NuRaspundeCallbackAt *string `json:"nu_raspunde_callback_at,omitempty" format:"date-time"`
	CurierTrimisAt       *string `json:"curier_trimis_at,omitempty" format:"date-time"`
	CurierTrimisUserID   *string `json:"curier_trimis_user_id,omitempty"`
	OfficeDirectAt       *string `json:"office_direct_at,omitempty" format:"date-time"`
	CallTag              bool    `json:"call_tag"`
	NoDeal               bool    `json:"no_deal"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
}

type ServiceFile struct {
	ID                string  `json:"id"`
	LeadID            *string `json:"lead_id,omitempty"`
	Title             string  `json:"title"`
	CurierTrimis      bool    `json:"curier_trimis"`
	CurierScheduledAt *string `json:"curier_scheduled_at,omitempty" format:"date-time"`
	OfficeDirectAt    *string `json:"office_direct_at,omitempty" format:"date-time"`
	ColetNeridicat    bool    `json:"colet_neridicat"`
	NoDeal            bool    `json:"no_deal"`
	Invoiced          bool    `json:"invoiced"`
	InvoicedAt        *string `json:"invoiced_at,omitempty" format:"date-time"`
	InvoiceNumber     *string `json:"invoice_number,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

type Tray struct {
	ID            string  `json:"id"`
	ServiceFileID *string `json:"service_file_id,omitempty"`
	Label         string  `json:"label"`
	Released      bool    `json:"released"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// TrayItem is one working line on a tray. Rows are deleted when the owning
// service file is invoiced; the archive record keeps the snapshot.
type TrayItem struct {
	ID            string `json:"id"`
	TrayID        string `json:"tray_id"`
	Description   string `json:"description"`
	Quantity      int    `json:"quantity"`
	UnitPriceBani int64  `json:"unit_price_bani"`
	DiscountBani  int64  `json:"discount_bani"`
}

// Event is one append-only audit record. Every successful transition and
// every automatic rule firing writes one.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	ItemKind string `json:"item_kind"`
	ItemID   string `json:"item_id"`
	ActorID  string `json:"actor_id"`
	Message  string `json:"message,omitempty"`
	Payload  string `json:"payload_json"`
}

// ArchiveRecord is the immutable snapshot taken at invoicing time. Its
// existence marks the terminal state; cancellation marks it superseded but
// never deletes it.
type ArchiveRecord struct {
	ID            string `json:"id"`
	ServiceFileID string `json:"service_file_id"`
	// InvoiceID identifies the invoice itself, distinct from the archive
	// record that snapshots it.
	InvoiceID     string `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number"`
	TotalBani     int64  `json:"total_bani"`
	SnapshotJSON  string `json:"snapshot_json"`
	Superseded    bool   `json:"superseded"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// BillingData is the caller-supplied input to invoicing.
type BillingData struct {
	CustomerName string `json:"customer_name"`
	CustomerCIF  string `json:"customer_cif,omitempty"`
	Address      string `json:"address"`
	PaymentKind  string `json:"payment_kind,omitempty"`
	Notes        string `json:"notes,omitempty"`
}
