package collab

import (
	"context"
	"time"
)

// SharingReport summarizes who can reach which workbooks.
type SharingReport struct {
	OrgDomain      string         `json:"org_domain,omitempty"`
	GeneratedAt    time.Time      `json:"generated_at"`
	TotalWorkbooks int            `json:"total_workbooks"`
	SharedCount    int            `json:"shared_workbooks"`
	ExternalShares int            `json:"external_shares"`
	ExpiredGrants  int            `json:"expired_grants"`
	Entries        []SharingEntry `json:"entries"`
}

// SharingEntry lists the grants on one shared workbook.
type SharingEntry struct {
	WorkbookID    string         `json:"workbook_id"`
	Name          string         `json:"name"`
	OwnerID       string         `json:"owner_id"`
	Collaborators []Collaborator `json:"collaborators"`
	ExternalUsers []string       `json:"external_users,omitempty"`
	Expired       int            `json:"expired"`
}

// AuditSharing scans every workbook and reports its grants, flagging
// grantees outside the policy's org domain.
func (s *Service) AuditSharing(ctx context.Context) (*SharingReport, error) {
	wbs, err := s.store.Workbooks.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	report := &SharingReport{GeneratedAt: now.UTC(), TotalWorkbooks: len(wbs)}
	if s.policy != nil {
		report.OrgDomain = s.policy.OrgDomain
	}

	for _, wb := range wbs {
		grants, err := s.store.Sharing.ListByWorkbook(ctx, wb.ID)
		if err != nil {
			return nil, err
		}
		if len(grants) == 0 {
			continue
		}
		entry := SharingEntry{WorkbookID: wb.ID, Name: wb.Name, OwnerID: wb.OwnerID}
		for _, g := range grants {
			if g.Expired(now) {
				entry.Expired++
				continue
			}
			c, err := s.collaborator(ctx, g)
			if err != nil {
				return nil, err
			}
			entry.Collaborators = append(entry.Collaborators, c)
			if c.External {
				entry.ExternalUsers = append(entry.ExternalUsers, c.Email)
			}
		}
		report.SharedCount++
		report.ExternalShares += len(entry.ExternalUsers)
		report.ExpiredGrants += entry.Expired
		report.Entries = append(report.Entries, entry)
	}
	return report, nil
}
