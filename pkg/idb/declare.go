package idb

import (
	"slices"

	"shelf/internal/config"
)

// DeclaredUpgrade returns an upgrade callback that creates every store and
// index listed in stores that does not exist yet. Existing stores keep their
// records and options; nothing is deleted.
func DeclaredUpgrade(stores []config.StoreConfig) UpgradeFunc {
	return func(s *Session, oldVersion uint64) error {
		existing, err := s.ObjectStoreNames()
		if err != nil {
			return err
		}
		for _, sc := range stores {
			var st *ObjectStore
			if slices.Contains(existing, sc.Name) {
				st, err = s.ObjectStore(sc.Name)
			} else {
				st, err = s.CreateObjectStore(sc.Name, StoreOptions{
					KeyPath:       Path(sc.KeyPath...),
					AutoIncrement: sc.AutoIncrement,
				})
			}
			if err != nil {
				return err
			}
			indexes := st.IndexNames()
			for _, ic := range sc.Indexes {
				if slices.Contains(indexes, ic.Name) {
					continue
				}
				opts := IndexOptions{Unique: ic.Unique, MultiEntry: ic.MultiEntry}
				if _, err := st.CreateIndex(ic.Name, Path(ic.KeyPath...), opts); err != nil {
					return err
				}
			}
		}
		logger.Info("declared schema applied", "stores", len(stores), "from", oldVersion)
		return nil
	}
}
