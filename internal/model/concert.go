package model

import "time"

// Concert is the parent event of one or more schedules.  It carries
// the descriptive data shown on listing and detail pages.
//
// Fields:
//  ID             – primary key identifier.
//  Title          – concert title.
//  Venue          – venue name.
//  ImageURL       – poster image.
//  DetailImageURL – long detail image shown under the schedule picker.
//  StartDate      – first performance date.
//  EndDate        – last performance date.
//  CreatedAt      – creation timestamp.
type Concert struct {
    ID             uint64    `db:"id" json:"id"`                         // concerts.id
    Title          string    `db:"title" json:"title"`                   // concerts.title
    Venue          string    `db:"venue" json:"venue"`                   // concerts.venue
    ImageURL       string    `db:"image_url" json:"imageUrl"`            // concerts.image_url
    DetailImageURL string    `db:"detail_image_url" json:"detailImageUrl"` // concerts.detail_image_url
    StartDate      time.Time `db:"start_date" json:"startDate"`          // concerts.start_date
    EndDate        time.Time `db:"end_date" json:"endDate"`              // concerts.end_date
    CreatedAt      time.Time `db:"created_at" json:"createdAt"`          // concerts.created_at
}

// Schedule is a single performance of a concert.  Its seats are created
// together with it from a fixed layout.  AvailableSeats is never stored;
// it is counted from the seat ledger whenever a schedule is read.
type Schedule struct {
    ID             uint64    `db:"id" json:"id"`                  // schedules.id
    ConcertID      uint64    `db:"concert_id" json:"concertId"`   // schedules.concert_id
    StartsAt       time.Time `db:"starts_at" json:"concertDate"`  // schedules.starts_at
    TotalSeats     int       `db:"total_seats" json:"totalSeats"` // schedules.total_seats
    AvailableSeats int       `db:"available_seats" json:"availableSeats"`
    CreatedAt      time.Time `db:"created_at" json:"-"`
}

// ConcertDetail is a concert together with its schedules.
type ConcertDetail struct {
    Concert
    Schedules []Schedule `json:"schedules"`
}

// ScheduleDetail answers the catalog query for one schedule: its seats,
// start time and the price of each grade.
type ScheduleDetail struct {
    Schedule
    ConcertTitle string           `json:"concertTitle"`
    Seats        []Seat           `json:"seats"`
    PriceByGrade map[string]int64 `json:"priceByGrade"`
}
