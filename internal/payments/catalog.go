package payments

import "errors"

// ErrUnknownPackage reports a package id outside the configured catalog.
var ErrUnknownPackage = errors.New("unknown credit package")

// Package is one purchasable credit bundle. The catalog is the single source
// of truth for credited amounts; webhook metadata only names the package.
type Package struct {
	PackageID   string
	Label       string
	CreditCount int64
	PriceCents  int64
}

// Catalog maps package ids to bundles.
type Catalog map[string]Package

// DefaultCatalog returns the built-in credit bundles.
func DefaultCatalog() Catalog {
	return Catalog{
		"starter": {PackageID: "starter", Label: "Starter pack", CreditCount: 10, PriceCents: 495},
		"plus":    {PackageID: "plus", Label: "Plus pack", CreditCount: 25, PriceCents: 995},
		"pro":     {PackageID: "pro", Label: "Pro pack", CreditCount: 60, PriceCents: 1995},
	}
}

// Lookup resolves a package id.
func (catalog Catalog) Lookup(packageID string) (Package, error) {
	bundle, found := catalog[packageID]
	if !found {
		return Package{}, ErrUnknownPackage
	}
	return bundle, nil
}

// Packages returns the catalog contents in no particular order.
func (catalog Catalog) Packages() []Package {
	bundles := make([]Package, 0, len(catalog))
	for _, bundle := range catalog {
		bundles = append(bundles, bundle)
	}
	return bundles
}
