package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/ocapkernel/pkg/facade"
	"github.com/cuemby/ocapkernel/pkg/vatbundle"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a vat or subcluster manifest",
	Long: `Apply a declarative YAML manifest describing a vat or subcluster to
launch, instead of spelling out --code/--bundle-file/--subcluster flags
by hand.

Examples:
  # Launch a single vat
  ocapkernel apply -f vat.yaml

  # Launch a subcluster's bootstrap vat
  ocapkernel apply -f subcluster.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")
}

// VatManifest is one YAML document describing a vat or subcluster to
// launch, the kernel's analogue of the teacher's generic WarrenResource
// (apiVersion/kind/metadata/spec) narrowed to the two kinds this kernel
// actually has a lifecycle for.
type VatManifest struct {
	APIVersion string              `yaml:"apiVersion"`
	Kind       string              `yaml:"kind"` // "Vat" or "Subcluster"
	Metadata   VatManifestMetadata `yaml:"metadata"`
	Spec       VatManifestSpec     `yaml:"spec"`
}

type VatManifestMetadata struct {
	Name string `yaml:"name,omitempty"`
}

type VatManifestSpec struct {
	// Code names a native vat program (pkg/vatprogram registry entry,
	// e.g. "echo", "counter") for manifests that don't ship a prebuilt bundle.
	Code string `yaml:"code,omitempty"`
	// BundleFile points at a prebuilt vatbundle.Bundle on disk, taking
	// precedence over Code when both are set.
	BundleFile string         `yaml:"bundleFile,omitempty"`
	Parameters map[string]any `yaml:"parameters,omitempty"`
	Subcluster string         `yaml:"subcluster,omitempty"`
}

// parseManifestFile reads and unmarshals a VatManifest from path.
func parseManifestFile(path string) (VatManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return VatManifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var manifest VatManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return VatManifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return manifest, nil
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	manifest, err := parseManifestFile(filename)
	if err != nil {
		return err
	}

	if manifest.Kind != "Vat" && manifest.Kind != "Subcluster" {
		return fmt.Errorf("unsupported manifest kind %q (want Vat or Subcluster)", manifest.Kind)
	}

	bundle, err := loadBundle(manifest.Spec.Code, manifest.Spec.BundleFile)
	if err != nil {
		return fmt.Errorf("resolve vat bundle for %q: %w", manifest.Metadata.Name, err)
	}

	c, err := dialClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	if manifest.Kind == "Vat" {
		return applyVat(c, manifest, bundle)
	}
	return applySubcluster(c, manifest, bundle)
}

func applyVat(c *facade.Client, manifest VatManifest, bundle vatbundle.Bundle) error {
	result, err := c.LaunchVat(context.Background(), facade.LaunchVatParams{
		Bundle:     bundle,
		Parameters: manifest.Spec.Parameters,
		Subcluster: manifest.Spec.Subcluster,
	})
	if err != nil {
		return fmt.Errorf("launch vat: %w", err)
	}
	fmt.Printf("✓ Vat applied: %s\n", manifest.Metadata.Name)
	fmt.Printf("  Vat ID:      %s\n", result.VatID)
	fmt.Printf("  Root object: %s\n", result.RootObject)
	return nil
}

func applySubcluster(c *facade.Client, manifest VatManifest, bundle vatbundle.Bundle) error {
	result, err := c.LaunchSubcluster(context.Background(), facade.LaunchSubclusterParams{
		Bundle:     bundle,
		Parameters: manifest.Spec.Parameters,
	})
	if err != nil {
		return fmt.Errorf("launch subcluster: %w", err)
	}
	fmt.Printf("✓ Subcluster applied: %s\n", manifest.Metadata.Name)
	fmt.Printf("  Subcluster ID:       %s\n", result.SubclusterID)
	fmt.Printf("  Bootstrap root kref: %s\n", result.BootstrapRootKref)
	return nil
}
