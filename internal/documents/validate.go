package documents

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sdko-org/docvault/internal/errs"
	"github.com/sdko-org/docvault/internal/models"
)

var validType = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// typeMetadataKeys lists the data fields copied into a document's
// type-specific metadata.
var typeMetadataKeys = map[models.DocumentType][]string{
	models.TypePayslip:        {"period", "amount"},
	models.TypeSettlementNote: {"period", "total", "settlementNumber"},
	models.TypeContract:       {"contractNumber", "startDate", "endDate"},
	models.TypeInvoice:        {"invoiceNumber", "date", "total"},
}

// ValidOwnerID rejects empty and dot-only identifiers, which cannot name
// anything in a path-like reference.
func ValidOwnerID(id string) bool {
	return id != "" && strings.Trim(id, ".") != ""
}

func validateGenerate(req GenerateRequest) error {
	if !validType.MatchString(string(req.Type)) {
		return fmt.Errorf("%w: invalid document type %q", errs.ErrInvalidRequest, req.Type)
	}
	if !ValidOwnerID(req.OwnerID) {
		return fmt.Errorf("%w: invalid owner %q", errs.ErrInvalidRequest, req.OwnerID)
	}
	if req.Version < 1 {
		return fmt.Errorf("%w: version must be positive, got %d", errs.ErrInvalidRequest, req.Version)
	}
	return nil
}

func typeMetadata(req GenerateRequest) map[string]any {
	if req.TypeMetadata != nil {
		return req.TypeMetadata
	}
	out := make(map[string]any)
	for _, k := range typeMetadataKeys[req.Type] {
		if v, ok := req.Data[k]; ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
