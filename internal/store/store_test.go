package store

import "testing"

type row struct {
	ID   string
	Name string
	Tag  string
}

func TestAddGetByID(t *testing.T) {
	s := New[*row]()
	s.Add("1", &row{ID: "1", Name: "alice"})

	got, ok := s.GetByID("1")
	if !ok || got.Name != "alice" {
		t.Fatalf("GetByID(1) = %v, %v", got, ok)
	}

	if _, ok := s.GetByID("missing"); ok {
		t.Fatal("GetByID(missing) should miss")
	}
}

func TestUpdateRequiresExisting(t *testing.T) {
	s := New[*row]()
	if s.Update("1", &row{ID: "1"}) {
		t.Fatal("Update on missing row should fail")
	}
	s.Add("1", &row{ID: "1", Name: "a"})
	if !s.Update("1", &row{ID: "1", Name: "b"}) {
		t.Fatal("Update on existing row should succeed")
	}
	got, _ := s.GetByID("1")
	if got.Name != "b" {
		t.Fatalf("Name = %q, want b", got.Name)
	}
}

func TestUpdatePropertyAtomic(t *testing.T) {
	s := New[*row]()
	s.Add("1", &row{ID: "1", Tag: "x"})
	ok := s.UpdateProperty("1", func(r *row) *row {
		r.Tag = "y"
		return r
	})
	if !ok {
		t.Fatal("UpdateProperty should report existing row")
	}
	got, _ := s.GetByID("1")
	if got.Tag != "y" {
		t.Fatalf("Tag = %q, want y", got.Tag)
	}
}

func TestListWithPredicateAndLimit(t *testing.T) {
	s := New[*row]()
	s.Add("1", &row{ID: "1", Tag: "keep"})
	s.Add("2", &row{ID: "2", Tag: "keep"})
	s.Add("3", &row{ID: "3", Tag: "drop"})

	matches := s.List(func(r *row) bool { return r.Tag == "keep" }, 0)
	if len(matches) != 2 {
		t.Fatalf("List unbounded = %d, want 2", len(matches))
	}

	limited := s.List(func(r *row) bool { return r.Tag == "keep" }, 1)
	if len(limited) != 1 {
		t.Fatalf("List limited = %d, want 1", len(limited))
	}
}

func TestDeleteAndCount(t *testing.T) {
	s := New[*row]()
	s.Add("1", &row{ID: "1"})
	s.Add("2", &row{ID: "2"})
	if s.Count(nil) != 2 {
		t.Fatalf("Count = %d, want 2", s.Count(nil))
	}
	s.Delete("1")
	if s.Count(nil) != 1 {
		t.Fatalf("Count after delete = %d, want 1", s.Count(nil))
	}
	if _, ok := s.GetByID("1"); ok {
		t.Fatal("deleted row should be gone")
	}
}
