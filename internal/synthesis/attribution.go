package synthesis

import (
	"strings"

	"concierge/internal/catalog"
	"concierge/internal/config"
)

// Attribution renders the italic "Answered by ..." prefix for a domain, or
// "" when attribution is disabled or the domain is general (unless
// include_general). usedModel is the model that actually answered; it falls
// back to the specialist's configured model.
func Attribution(cfg config.AttributionConfig, spec catalog.Specialist, usedModel string) string {
	if !cfg.Enabled {
		return ""
	}
	if spec.Domain == catalog.DomainGeneral && !cfg.IncludeGeneral {
		return ""
	}

	model := strings.TrimSpace(usedModel)
	if model == "" {
		model = spec.Model
	}

	domainLabel := strings.ReplaceAll(spec.Domain, "_", " ")
	modelSuffix := ""
	if cfg.IncludeModel && model != "" {
		modelSuffix = " using " + model + " model"
	}

	template := cfg.Template
	if template == "" {
		template = "Answered by {display_name} (the {domain_label} specialist){model_suffix}."
	}

	rendered := strings.NewReplacer(
		"{display_name}", spec.DisplayName,
		"{domain}", spec.Domain,
		"{domain_label}", domainLabel,
		"{model}", model,
		"{model_suffix}", modelSuffix,
	).Replace(template)

	return "*" + rendered + "*\n\n"
}
