package mediadb_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/mediadb/pkg/mediadb"
)

func Test_Store_Add_Assigns_One_Plus_Max_When_Ids_Have_Gaps(t *testing.T) {
	t.Parallel()

	s := mediadb.NewStore(nil)

	if got := s.Add(mediadb.Fields{"title": "a"}); got != 1 {
		t.Fatalf("first id=%d, want=1", got)
	}

	s.Put(7, mediadb.Fields{"title": "b"})

	if got := s.Add(mediadb.Fields{"title": "c"}); got != 8 {
		t.Fatalf("id after put(7)=%d, want=8", got)
	}

	s.Remove(8)
	s.Remove(7)

	if got := s.NextID(); got != 2 {
		t.Fatalf("NextID after removing max=%d, want=2", got)
	}
}

func Test_Store_Get_Projects_Tags_In_Order_When_Tags_Given(t *testing.T) {
	t.Parallel()

	s := mediadb.NewStore(nil)
	id := s.Add(mediadb.Fields{"location": "/a.mp3", "artist": "X"})

	got, ok := s.Get(id, []string{"location", mediadb.IDTag, "missing"})
	if !ok {
		t.Fatal("Get: not found")
	}

	if diff := cmp.Diff([]string{"/a.mp3", "1", ""}, got); diff != "" {
		t.Fatalf("row mismatch (-want +got):\n%s", diff)
	}

	all, _ := s.Get(id, nil)
	if diff := cmp.Diff([]string{"id", "1", "artist", "X", "location", "/a.mp3"}, all); diff != "" {
		t.Fatalf("flattened row mismatch (-want +got):\n%s", diff)
	}
}

func Test_Store_Update_Deletes_Field_When_Value_Empty(t *testing.T) {
	t.Parallel()

	s := mediadb.NewStore(nil)
	id := s.Add(mediadb.Fields{"location": "/a.mp3", "title": "A"})

	if !s.Update(id, mediadb.Fields{"location": "", "genre": "rock", mediadb.IDTag: "99"}) {
		t.Fatal("Update: not found")
	}

	rec, _ := s.Record(id)
	if diff := cmp.Diff(mediadb.Fields{"title": "A", "genre": "rock"}, rec); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	if s.Update(42, mediadb.Fields{"title": "x"}) {
		t.Fatal("Update(42)=true, want=false")
	}
}

func Test_Store_Remove_Makes_Id_Unreadable(t *testing.T) {
	t.Parallel()

	s := mediadb.NewStore(nil)
	id := s.Add(mediadb.Fields{"title": "A"})

	if !s.Remove(id) {
		t.Fatal("Remove: not found")
	}

	if _, ok := s.Get(id, nil); ok {
		t.Fatal("Get after Remove: found")
	}

	if s.Remove(id) {
		t.Fatal("second Remove=true, want=false")
	}
}

func Test_Store_Queries_Return_Ascending_Ids(t *testing.T) {
	t.Parallel()

	s := mediadb.NewStore(nil)
	s.Put(3, mediadb.Fields{"genre": "jazz", "title": "c"})
	s.Put(1, mediadb.Fields{"genre": "rock", "title": "a"})
	s.Put(2, mediadb.Fields{"genre": "jazz"})

	tags := []string{mediadb.IDTag, "title"}

	if diff := cmp.Diff([][]string{{"1", "a"}, {"2", ""}, {"3", "c"}}, s.GetAll(tags)); diff != "" {
		t.Fatalf("GetAll mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([][]string{{"2", ""}, {"3", "c"}}, s.FindByTag("genre", "jazz", tags)); diff != "" {
		t.Fatalf("FindByTag mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([][]string{{"3", "c"}, {"1", "a"}}, s.GetMany([]uint32{3, 9, 1}, tags)); diff != "" {
		t.Fatalf("GetMany mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"genre", "title"}, s.Tags()); diff != "" {
		t.Fatalf("Tags mismatch (-want +got):\n%s", diff)
	}
}

func Test_Store_Converges_When_Same_Events_Applied(t *testing.T) {
	t.Parallel()

	apply := func(s *mediadb.Store) {
		s.Put(1, mediadb.Fields{"title": "a"})
		s.Put(2, mediadb.Fields{"title": "b"})
		s.Put(1, mediadb.Fields{"title": "a2", "year": "1999"})
		s.Remove(2)
		s.Put(3, mediadb.Fields{"title": "c"})
	}

	a, b := mediadb.NewStore(nil), mediadb.NewStore(nil)
	apply(a)
	apply(b)
	apply(b) // full-state events are idempotent

	if !a.Equal(b) {
		t.Fatalf("stores differ:\n%s", cmp.Diff(a.Snapshot(), b.Snapshot()))
	}
}
