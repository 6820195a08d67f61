package verifier

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/ILLUVRSE/AssetBridge/internal/keys"
	"github.com/ILLUVRSE/AssetBridge/internal/models"
)

const DefaultSignerPolicy = `signer.active && signer.role in ['notary', 'carrier']`

// SignerPolicy decides whether a registered signer may attest a delivery.
// A valid signature from a signer the policy refuses is still rejected.
type SignerPolicy struct {
	expr string
	prg  cel.Program
}

func NewSignerPolicy(expr string) (*SignerPolicy, error) {
	if expr == "" {
		expr = DefaultSignerPolicy
	}
	env, err := cel.NewEnv(
		cel.Variable("signer", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("signer policy env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile signer policy: %w", issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("signer policy must evaluate to bool, got %s", t)
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("signer policy program: %w", err)
	}
	return &SignerPolicy{expr: expr, prg: prg}, nil
}

func (p *SignerPolicy) String() string { return p.expr }

func (p *SignerPolicy) Allow(signer keys.KeyInfo, facts models.DeliveryFacts) (bool, error) {
	out, _, err := p.prg.Eval(map[string]any{
		"signer": map[string]any{
			"id":        signer.SignerID,
			"role":      signer.Role,
			"active":    signer.Active,
			"algorithm": signer.Algorithm,
		},
		"facts": map[string]any{
			"shipmentId":  facts.ShipmentID,
			"deliveredBy": facts.DeliveredBy,
			"location":    facts.Location,
			"quantity":    facts.Quantity,
			"condition":   facts.Condition,
			"deliveredAt": facts.DeliveredAt,
		},
	})
	if err != nil {
		return false, fmt.Errorf("eval signer policy: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("signer policy returned %T", out.Value())
	}
	return allowed, nil
}
