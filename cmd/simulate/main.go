// Command simulate runs one decision request through the engine:
// an optional engine configuration YAML plus a request JSON document
// produce a result JSON document on stdout or at -output.
//
// Request document shape:
//
//	{
//	  "context": {"id": "pricing", "features": {"demand": 100, "volatility": 10}},
//	  "options": [
//	    {"id": "steady", "attrs": {"margin": 1.0, "risk_cost": 0.1}},
//	    {"id": "aggressive", "attrs": {"margin": 1.5, "risk_cost": 3.0}}
//	  ],
//	  "scorer": {"kind": "revenue_risk"},
//	  "config": {"universe_count": 1000, "seed": 42, "policy": "max_mean"}
//	}
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	sibyl "github.com/ahrav/go-sibyl"
)

// scorerSpec selects one of the built-in demo scorers. Real
// deployments embed the engine and pass an arbitrary Scorer; a demo
// binary is limited to what JSON can name.
type scorerSpec struct {
	// Kind is "linear" (dot product of option attrs and context
	// features over shared names, the default) or "revenue_risk"
	// (margin*demand - risk_cost*volatility).
	Kind string `json:"kind"`
}

// requestDoc is the JSON request consumed by the binary.
type requestDoc struct {
	Context sibyl.DecisionContext  `json:"context"`
	Options []sibyl.DecisionOption `json:"options"`
	Scorer  scorerSpec             `json:"scorer"`
	Config  sibyl.DecisionConfig   `json:"config"`
}

func main() {
	var (
		configPath  = flag.String("config", "", "Engine configuration YAML (optional; built-in defaults apply)")
		requestPath = flag.String("request", "", "Decision request JSON (required)")
		outputPath  = flag.String("output", "", "Result JSON path (default: stdout)")
	)
	flag.Parse()

	if *requestPath == "" {
		flag.Usage()
		log.Fatal("a -request file is required")
	}

	request, err := loadRequest(*requestPath)
	if err != nil {
		log.Fatalf("Failed to load request: %v", err)
	}

	scorer, err := buildScorer(request.Scorer)
	if err != nil {
		log.Fatalf("Failed to build scorer: %v", err)
	}

	var opts []sibyl.Option
	if *configPath != "" {
		opts = append(opts, sibyl.WithConfigFile(*configPath))
	}

	engine, err := sibyl.New(opts...)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer engine.Close()

	result, err := engine.Decide(context.Background(),
		request.Context, request.Options, scorer, request.Config)
	if err != nil {
		log.Fatalf("Decision failed: %v", err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode result: %v", err)
	}

	if *outputPath == "" {
		fmt.Println(string(data))
		return
	}
	if err := os.WriteFile(*outputPath, data, 0o600); err != nil {
		log.Fatalf("Failed to write result: %v", err)
	}
	fmt.Printf("Result written to %s\n", *outputPath)
}

func loadRequest(path string) (*requestDoc, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- the path is the operator's own flag
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}

	var request requestDoc
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, fmt.Errorf("failed to parse request JSON: %w", err)
	}
	return &request, nil
}

func buildScorer(spec scorerSpec) (sibyl.Scorer, error) {
	switch spec.Kind {
	case "", "linear":
		return sibyl.ScorerFunc(func(uctx sibyl.DecisionContext, option sibyl.DecisionOption) (float64, error) {
			utility := 0.0
			for name, weight := range option.Attrs {
				if feature, ok := uctx.Features[name]; ok {
					utility += weight * feature
				}
			}
			return utility, nil
		}), nil

	case "revenue_risk":
		return sibyl.ScorerFunc(func(uctx sibyl.DecisionContext, option sibyl.DecisionOption) (float64, error) {
			revenue := option.Attrs["margin"] * uctx.Features["demand"]
			risk := option.Attrs["risk_cost"] * uctx.Features["volatility"]
			return revenue - risk, nil
		}), nil

	default:
		return nil, fmt.Errorf("unknown scorer kind %q (supported: linear, revenue_risk)", spec.Kind)
	}
}
