package database

import (
	"encoding/json"
	"strconv"

	"github.com/tidwall/buntdb"
)

// Database mirrors capture milestones into a buntdb store. The default
// path is ":memory:"; point it at a file to keep an engagement snapshot.
type Database struct {
	path string
	db   *buntdb.DB
}

func NewDatabase(path string) (*Database, error) {
	var err error
	d := &Database{
		path: path,
	}

	d.db, err = buntdb.Open(path)
	if err != nil {
		return nil, err
	}

	d.sessionsInit()

	d.db.Shrink()
	return d, nil
}

func (d *Database) CreateSession(sid string, target_id string, landing_path string, useragent string, remote_addr string) error {
	_, err := d.sessionsCreate(sid, target_id, landing_path, useragent, remote_addr)
	return err
}

func (d *Database) ListSessions() ([]*Session, error) {
	s, err := d.sessionsList()
	return s, err
}

func (d *Database) SetSessionCredentials(sid string, creds map[string]string) error {
	err := d.sessionsUpdateCredentials(sid, creds)
	return err
}

func (d *Database) SetSessionCookies(sid string, cookies map[string]string) error {
	err := d.sessionsUpdateCookies(sid, cookies)
	return err
}

func (d *Database) SetSessionTokens(sid string, tokens map[string]string) error {
	err := d.sessionsUpdateTokens(sid, tokens)
	return err
}

func (d *Database) SetSessionAuthenticated(sid string, authenticated bool) error {
	err := d.sessionsUpdateAuthenticated(sid, authenticated)
	return err
}

func (d *Database) DeleteSession(sid string) error {
	s, err := d.sessionsGetBySid(sid)
	if err != nil {
		return err
	}
	err = d.sessionsDelete(s.Id)
	return err
}

func (d *Database) GetSessionBySid(sid string) (*Session, error) {
	s, err := d.sessionsGetBySid(sid)
	return s, err
}

func (d *Database) DeleteSessionById(id int) error {
	_, err := d.sessionsGetById(id)
	if err != nil {
		return err
	}
	err = d.sessionsDelete(id)
	return err
}

func (d *Database) Flush() {
	d.db.Shrink()
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) genIndex(table_name string, id int) string {
	return table_name + ":" + strconv.Itoa(id)
}

func (d *Database) getNextId(table_name string) (int, error) {
	var id int = 1
	var err error
	err = d.db.Update(func(tx *buntdb.Tx) error {
		var s_id string
		if s_id, err = tx.Get(table_name + ":0:id"); err == nil {
			if id, err = strconv.Atoi(s_id); err != nil {
				return err
			}
		}
		tx.Set(table_name+":0:id", strconv.Itoa(id+1), nil)
		return nil
	})
	return id, err
}

func (d *Database) getPivot(t interface{}) string {
	pivot, _ := json.Marshal(t)
	return string(pivot)
}
