// Package storagetest is the behavioural suite every storage.Store
// implementation must pass.
//
//	func TestStore(t *testing.T) {
//		storagetest.Run(t, func(t *testing.T) storage.Store {
//			s := memory.New()
//			t.Cleanup(s.Stop)
//			return s
//		})
//	}
package storagetest
