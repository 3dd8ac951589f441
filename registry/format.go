package registry

import (
	"fmt"
	"strings"

	"github.com/invokerpm/invokerpm/repository"
)

// FormatSummary renders a package as a one-line search result.
func FormatSummary(pkg repository.PackageInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", pkg.Name, pkg.Version)
	if pkg.Description != "" {
		fmt.Fprintf(&b, " - %s", pkg.Description)
	}
	if len(pkg.Tags) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(pkg.Tags, ", "))
	}
	return b.String()
}

// FormatDetails renders the full package record for the info command.
func FormatDetails(pkg repository.PackageInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name:        %s\n", pkg.Name)
	fmt.Fprintf(&b, "Version:     %s\n", pkg.Version)
	if pkg.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", pkg.Description)
	}
	if pkg.Author != "" {
		fmt.Fprintf(&b, "Author:      %s\n", pkg.Author)
	}
	if len(pkg.Tags) > 0 {
		fmt.Fprintf(&b, "Tags:        %s\n", strings.Join(pkg.Tags, ", "))
	}
	category := pkg.Category
	if category == "" {
		category = Uncategorized
	}
	fmt.Fprintf(&b, "Category:    %s\n", category)
	fmt.Fprintf(&b, "Source:      %s\n", pkg.Source)
	return b.String()
}
