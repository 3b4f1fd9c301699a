package a2a

import (
	"strings"

	"github.com/a2aproject/a2a-go/a2a"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/system"
)

type skillInfo struct {
	name        string
	description string
	tags        []string
	examples    []string
}

var skillCatalog = map[string]skillInfo{
	agent.CapClassifyIngredients: {
		name:        "Ingredient Classification",
		description: "Classify each ingredient as halal, haram or mashbooh and aggregate a product verdict with confidence.",
		tags:        []string{"halal", "ingredients", "classification"},
		examples:    []string{"Ingredients: water, sugar, pork gelatin"},
	},
	agent.CapExtractIngredients: {
		name:        "Ingredient Extraction",
		description: "Extract the product name and ordered ingredient list from a declaration document.",
		tags:        []string{"extraction", "documents"},
	},
	agent.CapGetWorkflowConfig: {
		name:        "Workflow Configuration",
		description: "Return an organization's certification stage profile.",
		tags:        []string{"stages", "configuration"},
	},
	agent.CapAdvanceStage: {
		name:        "Advance Stage",
		description: "Move a certification case to its next stage when the transition is allowed.",
		tags:        []string{"stages", "workflow"},
	},
	agent.CapGenerateCertificate: {
		name:        "Certificate Generation",
		description: "Issue a signed, numbered certificate for an approved classification.",
		tags:        []string{"certificate", "issuance"},
	},
	agent.CapVerifyCertificate: {
		name:        "Certificate Verification",
		description: "Check a certificate's status, validity window and signature.",
		tags:        []string{"certificate", "verification"},
	},
	agent.CapRevokeCertificate: {
		name:        "Certificate Revocation",
		description: "Revoke an issued certificate with a reason.",
		tags:        []string{"certificate", "revocation"},
	},
}

// BuildCard describes the running system: one skill per registered
// capability and one per workflow definition.
func BuildCard(sys *system.System, url string) *a2a.AgentCard {
	var skills []a2a.AgentSkill
	for _, name := range sys.Registry().Capabilities() {
		info, ok := skillCatalog[name]
		if !ok {
			info = skillInfo{name: name, description: name, tags: []string{"capability"}}
		}
		skills = append(skills, a2a.AgentSkill{
			ID:          name,
			Name:        info.name,
			Description: info.description,
			Tags:        info.tags,
			Examples:    info.examples,
			InputModes:  []string{"text", "application/json"},
			OutputModes: []string{"text", "application/json"},
		})
	}
	for _, def := range sys.Workflows() {
		desc := def.Description
		if desc == "" {
			desc = def.Name
		}
		steps := make([]string, len(def.Steps))
		for i, st := range def.Steps {
			steps[i] = st.Name
		}
		skills = append(skills, a2a.AgentSkill{
			ID:          def.ID,
			Name:        def.Name,
			Description: desc + " (steps: " + strings.Join(steps, ", ") + ")",
			Tags:        []string{"workflow"},
			InputModes:  []string{"application/json"},
			OutputModes: []string{"application/json"},
		})
	}

	return &a2a.AgentCard{
		Name:               "Halal Certification Agents",
		Description:        "Ingredient classification, certification stages and certificate issuance for halal certification bodies.",
		Version:            system.Version,
		ProtocolVersion:    "0.3",
		URL:                url,
		PreferredTransport: a2a.TransportProtocolJSONRPC,
		Capabilities: a2a.AgentCapabilities{
			Streaming:              true,
			StateTransitionHistory: true,
		},
		DefaultInputModes:  []string{"text", "application/json"},
		DefaultOutputModes: []string{"text", "application/json"},
		Skills:             skills,
	}
}
