package blend

import (
	"authrisk/internal/config"
	"authrisk/internal/model"
)

// Names of the two blended components as they appear in a breakdown.
const (
	ComponentRule  = "rule_score"
	ComponentModel = "model_score"
)

type Blender struct {
	ruleWeight  float64
	modelWeight float64
}

func New(cfg config.BlendConfig) *Blender {
	rw, mw := cfg.RuleWeight, cfg.ModelWeight
	if rw < 0 || mw < 0 || rw+mw == 0 {
		rw, mw = 0.7, 0.3
	}
	return &Blender{ruleWeight: rw, modelWeight: mw}
}

// Weights returns the rule and model weights.
func (b *Blender) Weights() (float64, float64) {
	return b.ruleWeight, b.modelWeight
}

// Blend combines the aggregate rule score with the model score. A nil
// model score means no trained model; the final score is then the rule
// score exactly. The breakdown keeps every detector factor followed by the
// two components.
func (b *Blender) Blend(ruleScore float64, modelScore *float64, factors []model.Factor) model.RiskAssessment {
	rule := model.Round2(model.ClampScore(ruleScore, model.MinScore, model.MaxScore))
	final := rule
	var ms *float64
	if modelScore != nil {
		m := model.Round2(model.ClampScore(*modelScore, model.MinScore, model.MaxScore))
		ms = &m
		final = model.Round2(model.ClampScore(b.ruleWeight*rule+b.modelWeight*m, model.MinScore, model.MaxScore))
	}

	breakdown := make([]model.Factor, 0, len(factors)+2)
	breakdown = append(breakdown, factors...)
	breakdown = append(breakdown, model.Factor{Name: ComponentRule, Score: rule, Cap: model.MaxScore})
	if ms != nil {
		breakdown = append(breakdown, model.Factor{Name: ComponentModel, Score: *ms, Cap: model.MaxScore})
	} else {
		breakdown = append(breakdown, model.Factor{Name: ComponentModel, Score: 0, Cap: model.MaxScore, Reason: "model not trained"})
	}
	return model.RiskAssessment{
		FinalScore: final,
		RuleScore:  rule,
		ModelScore: ms,
		Level:      model.LevelFor(final),
		Breakdown:  breakdown,
	}
}
