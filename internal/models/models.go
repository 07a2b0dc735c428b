package models

import (
	"strings"
	"time"
)

type PlanName string

const (
	PlanFree    PlanName = "FREE"
	PlanPro     PlanName = "PRO"
	PlanPremium PlanName = "PREMIUM"
)

// ParsePlanName accepts any casing of a known tier.
func ParsePlanName(raw string) (PlanName, bool) {
	switch PlanName(strings.ToUpper(strings.TrimSpace(raw))) {
	case PlanFree:
		return PlanFree, true
	case PlanPro:
		return PlanPro, true
	case PlanPremium:
		return PlanPremium, true
	}
	return "", false
}

type QualityTier string

const (
	QualityBasic    QualityTier = "basic"
	QualityAdvanced QualityTier = "advanced"
	QualityPremium  QualityTier = "premium"
)

// UnlimitedCredits as a plan allowance marks the plan as unmetered.
const UnlimitedCredits = -1

type Plan struct {
	ID               int64         `json:"id"`
	Name             PlanName      `json:"name"`
	DisplayName      string        `json:"displayName"`
	MonthlyCredits   int           `json:"monthlyCredits"`
	MaxCards         int           `json:"maxCards"`
	AllowedQualities []QualityTier `json:"allowedQualities"`
	AllowedModels    []string      `json:"allowedModels"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

func (p Plan) IsUnlimited() bool {
	return p.MonthlyCredits == UnlimitedCredits
}

func (p Plan) AllowsQuality(q QualityTier) bool {
	for _, allowed := range p.AllowedQualities {
		if allowed == q {
			return true
		}
	}
	return false
}

func (p Plan) AllowsModel(model string) bool {
	for _, allowed := range p.AllowedModels {
		if allowed == model {
			return true
		}
	}
	return false
}

type CreditAccount struct {
	UserID         string    `json:"userId"`
	PlanName       PlanName  `json:"planName"`
	CurrentCredits int       `json:"currentCredits"`
	LastResetAt    time.Time `json:"lastResetAt"`
	NextResetAt    time.Time `json:"nextResetAt"`
	IsAdmin        bool      `json:"isAdmin"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type ResetReason string

const (
	ResetReasonMonthly    ResetReason = "monthly_reset"
	ResetReasonSweep      ResetReason = "scheduled_sweep"
	ResetReasonPlanChange ResetReason = "plan_change"
)

type ResetHistoryRecord struct {
	ID              string      `json:"id"`
	UserID          string      `json:"userId"`
	ResetDate       time.Time   `json:"resetDate"`
	PreviousCredits int         `json:"previousCredits"`
	NewCredits      int         `json:"newCredits"`
	PlanName        PlanName    `json:"planName"`
	ResetReason     ResetReason `json:"resetReason"`
}

func ParseQualityTier(raw string) (QualityTier, bool) {
	switch QualityTier(strings.ToLower(strings.TrimSpace(raw))) {
	case QualityBasic:
		return QualityBasic, true
	case QualityAdvanced:
		return QualityAdvanced, true
	case QualityPremium:
		return QualityPremium, true
	}
	return "", false
}

// GenerationLog records one delivered image.
type GenerationLog struct {
	ID             string      `json:"id"`
	UserID         string      `json:"userId"`
	RequestedModel string      `json:"requestedModel"`
	ModelUsed      string      `json:"modelUsed"`
	Prompt         string      `json:"prompt"`
	AspectRatio    string      `json:"aspectRatio"`
	Quality        QualityTier `json:"quality"`
	Cost           int         `json:"cost"`
	WasFallback    bool        `json:"wasFallback"`
	ImageURL       string      `json:"imageUrl"`
	CreatedAt      time.Time   `json:"createdAt"`
}
