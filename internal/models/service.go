package models

type Service struct {
	ServiceID         string `json:"service_id"`
	Name              string `json:"name"`
	Type              string `json:"type"`
	EstimatedDuration int    `json:"estimated_duration"`
	Active            bool   `json:"is_active"`
}

const (
	ServiceTypeGeneral      = "general"
	ServiceTypeConsultation = "consultation"
	ServiceTypeTreatment    = "treatment"
	ServiceTypeEmergency    = "emergency"
)
