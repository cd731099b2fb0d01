package store

import "context"

func (s *Store) PutString(ctx context.Context, key, value string) error {
	return s.Put(ctx, []byte(key), []byte(value))
}

func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := s.Get(ctx, []byte(key))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

func (s *Store) DeleteString(ctx context.Context, key string) error {
	return s.Delete(ctx, []byte(key))
}
