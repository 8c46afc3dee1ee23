package notify

// Template identifiers. P* go to administrators, N* to participants.
const (
	TemplateAdminSale        = "P1"
	TemplateAdminTierChange  = "P3"
	TemplateAdminRedemption  = "P5"
	TemplatePromoted         = "N3"
	TemplateRegainedBDA      = "N4"
	TemplateDemoted          = "N5"
	TemplateTransferOut      = "N6"
	TemplateTransferIn       = "N7"
	TemplateEventCanceled    = "N8"
	TemplateDepositCredited  = "N10"
	TemplateAdminMintReceipt = "N12"
	TemplatePurchaseSuccess  = "N15"
	TemplateRedemption       = "N16"
)

// Payload is the loosely structured body handed to sinks.
type Payload map[string]any
