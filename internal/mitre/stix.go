package mitre

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// ErrInvalidBundle is returned when a STIX document is not an ATT&CK bundle.
var ErrInvalidBundle = errors.New("invalid STIX bundle")

type stixBundle struct {
	Type    string       `json:"type"`
	Objects []stixObject `json:"objects"`
}

type stixObject struct {
	Type               string               `json:"type"`
	Name               string               `json:"name"`
	Deprecated         bool                 `json:"x_mitre_deprecated"`
	Revoked            bool                 `json:"revoked"`
	ExternalReferences []stixExternalRef    `json:"external_references"`
	KillChainPhases    []stixKillChainPhase `json:"kill_chain_phases"`
}

type stixExternalRef struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

type stixKillChainPhase struct {
	KillChainName string `json:"kill_chain_name"`
	PhaseName     string `json:"phase_name"`
}

// LoadSTIX builds a catalog from an enterprise ATT&CK STIX bundle.
// Deprecated, revoked, and tactic-less attack patterns are skipped, as are
// phases outside the enterprise tactic list.
func LoadSTIX(r io.Reader) (*Catalog, error) {
	var bundle stixBundle
	if err := json.NewDecoder(r).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if bundle.Type != "bundle" {
		return nil, fmt.Errorf("%w: expected type bundle, got %q", ErrInvalidBundle, bundle.Type)
	}

	techniques := make([]Technique, 0, len(bundle.Objects))
	seen := make(map[string]bool)

	for _, obj := range bundle.Objects {
		if obj.Type != "attack-pattern" || obj.Deprecated || obj.Revoked {
			continue
		}

		var id, url string
		for _, ref := range obj.ExternalReferences {
			if ref.SourceName == "mitre-attack" {
				id, url = strings.ToUpper(ref.ExternalID), ref.URL
				break
			}
		}
		if id == "" || seen[id] {
			continue
		}

		var tactics []string
		for _, phase := range obj.KillChainPhases {
			if phase.KillChainName != "" && phase.KillChainName != "mitre-attack" {
				continue
			}
			if tac, ok := GetTactic(phase.PhaseName); ok {
				tactics = append(tactics, tac.ShortName)
			}
		}
		if len(tactics) == 0 {
			continue
		}

		seen[id] = true
		techniques = append(techniques, Technique{ID: id, Name: obj.Name, Tactics: tactics, URL: url})
	}

	if len(techniques) == 0 {
		return nil, fmt.Errorf("%w: no attack patterns found", ErrInvalidBundle)
	}

	return NewCatalog(techniques)
}

// LoadSTIXFile loads a catalog from a STIX bundle on disk.
func LoadSTIXFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open STIX bundle: %w", err)
	}
	defer f.Close()

	return LoadSTIX(f)
}

// LoadSTIXFromS3 loads a catalog from a STIX bundle stored in S3.
func LoadSTIXFromS3(ctx context.Context, client s3iface.S3API, bucket, key string) (*Catalog, error) {
	out, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch s3://%s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	return LoadSTIX(out.Body)
}
