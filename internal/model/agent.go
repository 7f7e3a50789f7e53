package model

import (
	"time"
)

// AgentType tags the AI agent that produced an AgentData record.
type AgentType string

const (
	AgentLeadQualification     AgentType = "lead_qualification"
	AgentAccountIntelligence   AgentType = "account_intelligence"
	AgentSalesProcess          AgentType = "sales_process"
	AgentSentimentAnalysis     AgentType = "sentiment_analysis"
	AgentProductIntelligence   AgentType = "product_intelligence"
	AgentFollowUp              AgentType = "follow_up"
	AgentMarketingIntelligence AgentType = "marketing_intelligence"
	AgentForecast              AgentType = "forecast"
	AgentOutcomeAnalysis       AgentType = "outcome_analysis"
)

var agentTypes = []AgentType{
	AgentLeadQualification,
	AgentAccountIntelligence,
	AgentSalesProcess,
	AgentSentimentAnalysis,
	AgentProductIntelligence,
	AgentFollowUp,
	AgentMarketingIntelligence,
	AgentForecast,
	AgentOutcomeAnalysis,
}

// AgentTypes returns the recognized agent type tags.
func AgentTypes() []AgentType {
	out := make([]AgentType, len(agentTypes))
	copy(out, agentTypes)
	return out
}

// Valid reports whether t is one of the recognized tags.
func (t AgentType) Valid() bool {
	for _, at := range agentTypes {
		if t == at {
			return true
		}
	}
	return false
}

// AgentData is the output of one GTM automation agent.
type AgentData struct {
	AgentID   string         `json:"agent_id"`
	AgentType AgentType      `json:"agent_type"`
	Timestamp Timestamp      `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (a *AgentData) Kind() Kind         { return KindAgentData }
func (a *AgentData) NaturalKey() string { return a.AgentID }

func (a *AgentData) PartitionTime() (time.Time, error) {
	return a.Timestamp.Time()
}

func (a *AgentData) Validate() error {
	if err := requireString(KindAgentData, "agent_id", a.AgentID); err != nil {
		return err
	}
	if a.AgentType == "" {
		return missing(KindAgentData, "agent_type")
	}
	if !a.AgentType.Valid() {
		return &ValidationError{Kind: KindAgentData, Field: "agent_type", Reason: "is not a recognized agent type", Err: ErrUnknownAgentType}
	}
	if err := requireTime(KindAgentData, "timestamp", a.Timestamp); err != nil {
		return err
	}
	if a.Data == nil {
		return missing(KindAgentData, "data")
	}
	return nil
}
