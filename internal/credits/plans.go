package credits

import "github.com/digkill/deckforge/internal/models"

var (
	freeModels    = []string{"google-imagen-3-fast", "ideogram-v2-turbo", "dall-e-3"}
	proModels     = append(append([]string{}, freeModels...), "google-imagen-3", "ideogram-v2", "flux-pro")
	premiumModels = append(append([]string{}, proModels...), "midjourney")
)

// DefaultPlans is the catalog seeded into an empty plans table.
func DefaultPlans() []models.Plan {
	return []models.Plan{
		{
			Name:             models.PlanFree,
			DisplayName:      "Free",
			MonthlyCredits:   500,
			MaxCards:         10,
			AllowedQualities: []models.QualityTier{models.QualityBasic},
			AllowedModels:    append([]string{}, freeModels...),
		},
		{
			Name:             models.PlanPro,
			DisplayName:      "Pro",
			MonthlyCredits:   2000,
			MaxCards:         30,
			AllowedQualities: []models.QualityTier{models.QualityBasic, models.QualityAdvanced},
			AllowedModels:    append([]string{}, proModels...),
		},
		{
			Name:             models.PlanPremium,
			DisplayName:      "Premium",
			MonthlyCredits:   6000,
			MaxCards:         60,
			AllowedQualities: []models.QualityTier{models.QualityBasic, models.QualityAdvanced, models.QualityPremium},
			AllowedModels:    append([]string{}, premiumModels...),
		},
	}
}
