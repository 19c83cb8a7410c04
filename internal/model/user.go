package model

import "time"

type User struct {
	ID         string     `json:"id"`
	FullName   string     `json:"full_name"`
	Email      string     `json:"email"`
	Phone      string     `json:"phone"`
	CreatedAt  time.Time  `json:"created_at"`
	DisabledAt *time.Time `json:"-"` // не null = пользователь отключён, доступ запрещён
}

type UserPublic struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{ID: u.ID, FullName: u.FullName, Email: u.Email}
}
