package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"lignage/api/internal/sanitize"
	"lignage/api/internal/search"
	"lignage/api/internal/store"
)

// BatchUpdateInput carries one tree edit: new persons, changed persons and
// ids to delete, applied together.
type BatchUpdateInput struct {
	Add    []json.RawMessage `json:"add"`
	Modify []json.RawMessage `json:"modify"`
	Delete []int64           `json:"delete"`
}

// BatchUpdatePersons sanitizes and validates the payload, applies it as one
// database transaction and then cleans up storage objects no person
// references anymore. Cleanup and search indexing are best-effort: the data
// mutation stands even when they fail.
func (s *Service) BatchUpdatePersons(ctx context.Context, session Session, treeID string, input BatchUpdateInput) error {
	_, perms, err := s.loadTree(ctx, treeID, session.UserID)
	if err != nil {
		return err
	}
	if !perms.CanEdit {
		return domainError(http.StatusForbidden, "edit permission required")
	}

	add, err := s.preparePersons(treeID, input.Add)
	if err != nil {
		return err
	}
	modify, err := s.preparePersons(treeID, input.Modify)
	if err != nil {
		return err
	}

	orphans, err := s.orphanedFiles(ctx, treeID, modify, input.Delete)
	if err != nil {
		return err
	}

	if err := s.store.BatchUpdatePersons(ctx, treeID, add, modify, input.Delete); err != nil {
		// A conflicting insert may mean the id counter went stale.
		s.ids.Forget(treeID)
		return err
	}

	for _, path := range orphans {
		if s.files == nil {
			break
		}
		if err := s.files.Remove(ctx, path); err != nil {
			s.logger.Warn("remove orphaned file", zap.String("path", path), zap.Error(err))
		}
	}

	if s.search != nil {
		records := make([]search.PersonRecord, 0, len(add)+len(modify))
		for _, person := range append(append([]store.Person{}, add...), modify...) {
			records = append(records, search.MakePersonRecord(treeID, person.ID, person.Data))
		}
		s.search.IndexPersons(records)
		s.search.DeletePersons(treeID, input.Delete)
	}
	return nil
}

// preparePersons cleans free text, checks file URLs and pins each blob to its
// numeric id.
func (s *Service) preparePersons(treeID string, blobs []json.RawMessage) ([]store.Person, error) {
	persons := make([]store.Person, 0, len(blobs))
	for _, blob := range blobs {
		cleaned, err := sanitize.PersonData(blob)
		if err != nil {
			return nil, domainError(http.StatusBadRequest, "invalid person record")
		}

		var fields struct {
			ID        *int64   `json:"id"`
			Photo     string   `json:"photo"`
			Documents []string `json:"documents"`
		}
		if err := json.Unmarshal(cleaned, &fields); err != nil {
			return nil, domainError(http.StatusBadRequest, "invalid person record")
		}
		if fields.ID == nil {
			return nil, domainError(http.StatusBadRequest, "person id is required")
		}
		if err := sanitize.ValidateURL(fields.Photo); err != nil {
			return nil, domainError(http.StatusBadRequest, fmt.Sprintf("photo: %v", err))
		}
		for _, doc := range fields.Documents {
			if err := sanitize.ValidateURL(doc); err != nil {
				return nil, domainError(http.StatusBadRequest, fmt.Sprintf("document: %v", err))
			}
		}

		persons = append(persons, store.Person{TreeID: treeID, ID: *fields.ID, Data: cleaned})
	}
	return persons, nil
}

// orphanedFiles diffs stored file references: everything the old versions of
// modified/deleted persons pointed at that the new versions no longer do.
func (s *Service) orphanedFiles(ctx context.Context, treeID string, modify []store.Person, deleteIDs []int64) ([]string, error) {
	oldIDs := make([]int64, 0, len(modify)+len(deleteIDs))
	for _, person := range modify {
		oldIDs = append(oldIDs, person.ID)
	}
	oldIDs = append(oldIDs, deleteIDs...)
	if len(oldIDs) == 0 {
		return nil, nil
	}

	oldPersons, err := s.store.GetPersonsByIDs(ctx, treeID, oldIDs)
	if err != nil {
		return nil, err
	}

	kept := make(map[string]bool)
	for _, person := range modify {
		for _, path := range fileRefs(treeID, person.Data) {
			kept[path] = true
		}
	}

	var orphans []string
	seen := make(map[string]bool)
	for _, person := range oldPersons {
		for _, path := range fileRefs(treeID, person.Data) {
			if !kept[path] && !seen[path] {
				orphans = append(orphans, path)
				seen[path] = true
			}
		}
	}
	return orphans, nil
}

// fileRefs extracts the storage object paths a person blob references through
// this tree's file endpoint. Foreign URLs are ignored.
func fileRefs(treeID string, data json.RawMessage) []string {
	var fields struct {
		Photo     string   `json:"photo"`
		Documents []string `json:"documents"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}

	prefix := "/api/tree/" + treeID + "/file/"
	var paths []string
	for _, ref := range append([]string{fields.Photo}, fields.Documents...) {
		if strings.HasPrefix(ref, prefix) {
			paths = append(paths, strings.TrimPrefix(ref, prefix))
		}
	}
	return paths
}
