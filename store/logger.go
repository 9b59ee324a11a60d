package store

import (
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithFields(logrus.Fields{"prefix": "store"})

func SetLogger(l *logrus.Entry) {
	logger = l
}
